package wallet

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithdrawMessage_Canonical(t *testing.T) {
	msg := WithdrawMessage("0xAbCd000000000000000000000000000000000001", "1.500000", 1700000000)
	assert.Equal(t, "Gigmesh|withdraw|0xabcd000000000000000000000000000000000001|1.500000|1700000000", msg)

	// Checksummed and lowercase destinations yield the same message
	lower := WithdrawMessage("0xabcd000000000000000000000000000000000001", "1.500000", 1700000000)
	assert.Equal(t, msg, lower)
}

func TestRecoverAddress_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	msg := WithdrawMessage("0x1111111111111111111111111111111111111111", "2.000000", 1700000000)
	sig, err := crypto.Sign(HashMessage(msg), key)
	require.NoError(t, err)

	// Wallets emit v = 27/28
	sig[64] += 27

	recovered, err := RecoverAddress(msg, "0x"+hex.EncodeToString(sig))
	require.NoError(t, err)
	assert.Equal(t, normalizeAddress(signer.Hex()), recovered)
}

func TestRecoverAddress_RawVValue(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	msg := "Gigmesh|withdraw|0x2222222222222222222222222222222222222222|1.000000|1700000000"
	sig, err := crypto.Sign(HashMessage(msg), key)
	require.NoError(t, err)

	// v = 0/1 accepted as-is
	recovered, err := RecoverAddress(msg, hex.EncodeToString(sig))
	require.NoError(t, err)
	assert.Equal(t, normalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()), recovered)
}

func TestRecoverAddress_Invalid(t *testing.T) {
	_, err := RecoverAddress("msg", "not-hex")
	assert.Error(t, err)

	_, err = RecoverAddress("msg", "0xdeadbeef")
	assert.Error(t, err)
}

func TestRecoverAddress_DifferentMessageDifferentSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	msg := WithdrawMessage("0x3333333333333333333333333333333333333333", "1.000000", 1700000000)
	sig, err := crypto.Sign(HashMessage(msg), key)
	require.NoError(t, err)

	// Recovering against a tampered message yields a different address
	tampered := WithdrawMessage("0x3333333333333333333333333333333333333333", "9.000000", 1700000000)
	recovered, err := RecoverAddress(tampered, hex.EncodeToString(sig))
	require.NoError(t, err)
	assert.NotEqual(t, normalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()), recovered)
}
