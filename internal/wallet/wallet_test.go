package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmesh/gigmesh/internal/chain"
	"github.com/gigmesh/gigmesh/internal/relay"
	"github.com/gigmesh/gigmesh/internal/secrets"
)

type transferCall struct {
	from   common.Address
	to     common.Address
	amount *big.Int
}

type fakeChain struct {
	balance   *big.Int
	deployed  bool
	transfers []transferCall
}

func (f *fakeChain) StableBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if f.balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) TransferStable(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*chain.TxResult, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	f.transfers = append(f.transfers, transferCall{from: from, to: to, amount: amount})
	return &chain.TxResult{TxHash: "0xtx1", From: from.Hex(), To: to.Hex()}, nil
}

func (f *fakeChain) Invoke(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, calldata []byte) (*chain.TxResult, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &chain.TxResult{TxHash: "0xinvoke1", From: from.Hex(), To: to.Hex()}, nil
}

func (f *fakeChain) PackTransferStable(to common.Address, amount *big.Int) ([]byte, error) {
	return append([]byte{0xa9, 0x05, 0x9c, 0xbb}, to.Bytes()...), nil
}

func (f *fakeChain) IsDeployed(ctx context.Context, addr common.Address) (bool, error) {
	return f.deployed, nil
}

func (f *fakeChain) StableToken() common.Address {
	return common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
}

type fakeRelay struct {
	requests []*relay.ExecuteRequest
	deployed bool
	err      error
}

func (f *fakeRelay) Execute(ctx context.Context, req *relay.ExecuteRequest) (*relay.ExecuteResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &relay.ExecuteResult{TxHash: "0xrelay1", Deployed: f.deployed}, nil
}

var testInitCodeHash = "0x" + hex.EncodeToString(crypto.Keccak256([]byte("account init code")))

func newTestService(t *testing.T, fc *fakeChain, fr RelayClient) (*Service, *MemoryStore) {
	t.Helper()
	sec, err := secrets.New("test-master-secret")
	require.NoError(t, err)
	store := NewMemoryStore()
	svc, err := New(store, sec, fc, fr, nil, Config{
		AccountFactory:      "0x4444444444444444444444444444444444444444",
		AccountInitCodeHash: testInitCodeHash,
		AccountInitCode:     "0x600160005260206000f3",
	})
	require.NoError(t, err)
	return svc, store
}

// seedAccount registers an account backed by a known key so tests can
// sign as its owner.
func seedAccount(t *testing.T, svc *Service, kind Kind) (*Account, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	sealed, err := svc.secrets.Seal(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)

	addr := owner
	if kind == KindCustody {
		addr = chain.CounterfactualAddress(svc.factory, chain.AccountSalt(owner), svc.initCodeHash)
	}

	now := time.Now().UTC()
	account := &Account{
		Address:      normalizeAddress(addr.Hex()),
		Kind:         kind,
		Owner:        normalizeAddress(owner.Hex()),
		EncryptedKey: sealed,
		Threshold:    1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, svc.store.Create(context.Background(), account))
	return account, key
}

func TestRegister_Simple(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{}, nil)

	account, err := svc.Register(context.Background(), KindSimple)
	require.NoError(t, err)

	assert.Equal(t, KindSimple, account.Kind)
	assert.Equal(t, account.Owner, account.Address)
	assert.True(t, secrets.IsSealed(account.EncryptedKey))
	assert.Equal(t, 1, account.Threshold)

	// The sealed key opens back to the account's own address
	got, err := svc.Transferable(context.Background(), account.Address)
	require.NoError(t, err)
	assert.Equal(t, normalizeAddress(got.Address().Hex()), account.Address)
}

func TestRegister_Custody(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{}, nil)

	account, err := svc.Register(context.Background(), KindCustody)
	require.NoError(t, err)

	assert.Equal(t, KindCustody, account.Kind)
	assert.NotEqual(t, account.Owner, account.Address) // Counterfactual address, not the key's
	assert.False(t, account.Deployed)
}

func TestRegister_InvalidKind(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{}, nil)

	_, err := svc.Register(context.Background(), Kind("multisig"))
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestWithdraw_Simple(t *testing.T) {
	fc := &fakeChain{balance: big.NewInt(5_000_000)}
	svc, _ := newTestService(t, fc, nil)
	account, _ := seedAccount(t, svc, KindSimple)

	txHash, err := svc.Withdraw(context.Background(), account.Address, "0x5555555555555555555555555555555555555555", "1.50")
	require.NoError(t, err)
	assert.Equal(t, "0xtx1", txHash)

	require.Len(t, fc.transfers, 1)
	assert.Equal(t, int64(1_500_000), fc.transfers[0].amount.Int64())
	assert.Equal(t, account.Address, normalizeAddress(fc.transfers[0].from.Hex()))
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	fc := &fakeChain{balance: big.NewInt(100)}
	svc, _ := newTestService(t, fc, nil)
	account, _ := seedAccount(t, svc, KindSimple)

	_, err := svc.Withdraw(context.Background(), account.Address, "0x5555555555555555555555555555555555555555", "1.50")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, fc.transfers)
}

func TestWithdraw_UnknownAccount(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{}, nil)

	_, err := svc.Withdraw(context.Background(), "0x6666666666666666666666666666666666666666", "0x5555555555555555555555555555555555555555", "1")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCustodyTransfer_LazyDeploy(t *testing.T) {
	fc := &fakeChain{balance: big.NewInt(10_000_000)}
	fr := &fakeRelay{deployed: true}
	svc, store := newTestService(t, fc, fr)
	account, _ := seedAccount(t, svc, KindCustody)

	txHash, err := svc.Withdraw(context.Background(), account.Address, "0x5555555555555555555555555555555555555555", "2")
	require.NoError(t, err)
	assert.Equal(t, "0xrelay1", txHash)

	// First transfer carries init code for lazy deployment
	require.Len(t, fr.requests, 1)
	assert.NotEmpty(t, fr.requests[0].InitCode)
	assert.Len(t, fr.requests[0].Signatures, 1)

	// Deployment observed: flag persisted, next transfer omits init code
	stored, err := store.Get(context.Background(), account.Address)
	require.NoError(t, err)
	assert.True(t, stored.Deployed)

	_, err = svc.Withdraw(context.Background(), account.Address, "0x5555555555555555555555555555555555555555", "1")
	require.NoError(t, err)
	require.Len(t, fr.requests, 2)
	assert.Empty(t, fr.requests[1].InitCode)
}

func TestCustodyTransfer_NoRelay(t *testing.T) {
	fc := &fakeChain{balance: big.NewInt(10_000_000)}
	svc, _ := newTestService(t, fc, nil)
	account, _ := seedAccount(t, svc, KindCustody)

	_, err := svc.Withdraw(context.Background(), account.Address, "0x5555555555555555555555555555555555555555", "1")
	assert.ErrorIs(t, err, relay.ErrNotConfigured)
}

func TestSignedWithdraw(t *testing.T) {
	fc := &fakeChain{balance: big.NewInt(10_000_000)}
	svc, _ := newTestService(t, fc, nil)
	account, key := seedAccount(t, svc, KindSimple)

	to := "0x5555555555555555555555555555555555555555"
	amount := "1.000000"
	ts := time.Now().Unix()
	msg := WithdrawMessage(to, amount, ts)

	sig, err := crypto.Sign(HashMessage(msg), key)
	require.NoError(t, err)
	sig[64] += 27

	txHash, err := svc.SignedWithdraw(context.Background(), &SignedWithdrawRequest{
		Account:   account.Address,
		To:        to,
		Amount:    amount,
		Timestamp: ts,
		Message:   msg,
		Signature: "0x" + hex.EncodeToString(sig),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xtx1", txHash)
}

func TestSignedWithdraw_MessageMismatch(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{balance: big.NewInt(10_000_000)}, nil)
	account, key := seedAccount(t, svc, KindSimple)

	to := "0x5555555555555555555555555555555555555555"
	ts := time.Now().Unix()
	msg := WithdrawMessage(to, "1.000000", ts)
	sig, err := crypto.Sign(HashMessage(msg), key)
	require.NoError(t, err)

	// Amount in the request disagrees with the signed message
	_, err = svc.SignedWithdraw(context.Background(), &SignedWithdrawRequest{
		Account:   account.Address,
		To:        to,
		Amount:    "9.000000",
		Timestamp: ts,
		Message:   msg,
		Signature: hex.EncodeToString(sig),
	})
	assert.ErrorIs(t, err, ErrMessageMismatch)
}

func TestSignedWithdraw_StaleTimestamp(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{balance: big.NewInt(10_000_000)}, nil)
	account, key := seedAccount(t, svc, KindSimple)

	to := "0x5555555555555555555555555555555555555555"
	ts := time.Now().Add(-10 * time.Minute).Unix()
	msg := WithdrawMessage(to, "1.000000", ts)
	sig, err := crypto.Sign(HashMessage(msg), key)
	require.NoError(t, err)

	_, err = svc.SignedWithdraw(context.Background(), &SignedWithdrawRequest{
		Account:   account.Address,
		To:        to,
		Amount:    "1.000000",
		Timestamp: ts,
		Message:   msg,
		Signature: hex.EncodeToString(sig),
	})
	assert.ErrorIs(t, err, ErrStaleTimestamp)
}

func TestSignedWithdraw_WrongSigner(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{balance: big.NewInt(10_000_000)}, nil)
	account, _ := seedAccount(t, svc, KindSimple)

	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)

	to := "0x5555555555555555555555555555555555555555"
	ts := time.Now().Unix()
	msg := WithdrawMessage(to, "1.000000", ts)
	sig, err := crypto.Sign(HashMessage(msg), stranger)
	require.NoError(t, err)

	_, err = svc.SignedWithdraw(context.Background(), &SignedWithdrawRequest{
		Account:   account.Address,
		To:        to,
		Amount:    "1.000000",
		Timestamp: ts,
		Message:   msg,
		Signature: hex.EncodeToString(sig),
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSignedWithdraw_CoSignerAccepted(t *testing.T) {
	fc := &fakeChain{balance: big.NewInt(10_000_000), deployed: true}
	fr := &fakeRelay{}
	svc, store := newTestService(t, fc, fr)
	account, _ := seedAccount(t, svc, KindCustody)

	cosigner, err := crypto.GenerateKey()
	require.NoError(t, err)
	cosignerAddr := crypto.PubkeyToAddress(cosigner.PublicKey).Hex()

	_, err = svc.AddCoSigner(context.Background(), account.Address, cosignerAddr)
	require.NoError(t, err)

	to := "0x5555555555555555555555555555555555555555"
	ts := time.Now().Unix()
	msg := WithdrawMessage(to, "1.000000", ts)
	sig, err := crypto.Sign(HashMessage(msg), cosigner)
	require.NoError(t, err)

	_, err = svc.SignedWithdraw(context.Background(), &SignedWithdrawRequest{
		Account:   account.Address,
		To:        to,
		Amount:    "1.000000",
		Timestamp: ts,
		Message:   msg,
		Signature: hex.EncodeToString(sig),
	})
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), account.Address)
	require.NoError(t, err)
	assert.True(t, stored.IsCoSigner(cosignerAddr))
}

func TestAddCoSigner_Rules(t *testing.T) {
	fc := &fakeChain{}
	svc, _ := newTestService(t, fc, nil)

	simple, _ := seedAccount(t, svc, KindSimple)
	_, err := svc.AddCoSigner(context.Background(), simple.Address, "0x7777777777777777777777777777777777777777")
	assert.ErrorIs(t, err, ErrNotCustody)

	custody, _ := seedAccount(t, svc, KindCustody)
	_, err = svc.AddCoSigner(context.Background(), custody.Address, "0x7777777777777777777777777777777777777777")
	assert.ErrorIs(t, err, ErrNotDeployed)

	fc.deployed = true
	_, err = svc.AddCoSigner(context.Background(), custody.Address, "0x7777777777777777777777777777777777777777")
	require.NoError(t, err)

	_, err = svc.AddCoSigner(context.Background(), custody.Address, "0x7777777777777777777777777777777777777777")
	assert.ErrorIs(t, err, ErrCoSignerExists)
}

func TestCustody_Status(t *testing.T) {
	fc := &fakeChain{}
	svc, store := newTestService(t, fc, nil)
	account, _ := seedAccount(t, svc, KindCustody)

	status, err := svc.Custody(context.Background(), account.Address)
	require.NoError(t, err)
	assert.False(t, status.Deployed)
	assert.Equal(t, 1, status.Threshold)

	// Deployment observed on chain is persisted
	fc.deployed = true
	status, err = svc.Custody(context.Background(), account.Address)
	require.NoError(t, err)
	assert.True(t, status.Deployed)

	stored, err := store.Get(context.Background(), account.Address)
	require.NoError(t, err)
	assert.True(t, stored.Deployed)

	simple, _ := seedAccount(t, svc, KindSimple)
	_, err = svc.Custody(context.Background(), simple.Address)
	assert.ErrorIs(t, err, ErrNotCustody)
}
