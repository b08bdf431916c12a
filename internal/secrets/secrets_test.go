package secrets

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealUnseal_RoundTrip(t *testing.T) {
	store, err := New("test-master-secret")
	require.NoError(t, err)

	sealed, err := store.Seal("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))

	plain, err := store.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", plain)
}

func TestSeal_AlreadySealed(t *testing.T) {
	store, err := New("test-master-secret")
	require.NoError(t, err)

	sealed, err := store.Seal("hello")
	require.NoError(t, err)

	// Sealing again must not double-wrap
	again, err := store.Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, again)
}

func TestSeal_NonceVariesPerCall(t *testing.T) {
	store, err := New("test-master-secret")
	require.NoError(t, err)

	a, err := store.Seal("same plaintext")
	require.NoError(t, err)
	b, err := store.Seal("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestUnseal_NotSealed(t *testing.T) {
	store, err := New("test-master-secret")
	require.NoError(t, err)

	_, err = store.Unseal("plain-old-value")
	assert.ErrorIs(t, err, ErrNotSealed)
}

func TestUnseal_Tampered(t *testing.T) {
	store, err := New("test-master-secret")
	require.NoError(t, err)

	sealed, err := store.Seal("secret value")
	require.NoError(t, err)

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, "sealed."))
	require.NoError(t, err)
	payload[len(payload)-1] ^= 0xff
	tampered := "sealed." + base64.StdEncoding.EncodeToString(payload)

	_, err = store.Unseal(tampered)
	assert.ErrorIs(t, err, ErrUnseal)
}

func TestUnseal_WrongKey(t *testing.T) {
	a, err := New("master-secret-a")
	require.NoError(t, err)
	b, err := New("master-secret-b")
	require.NoError(t, err)

	sealed, err := a.Seal("secret value")
	require.NoError(t, err)

	_, err = b.Unseal(sealed)
	assert.ErrorIs(t, err, ErrUnseal)
}

func TestUnseal_Corrupt(t *testing.T) {
	store, err := New("test-master-secret")
	require.NoError(t, err)

	_, err = store.Unseal("sealed.not-valid-base64!!!")
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = store.Unseal("sealed." + base64.StdEncoding.EncodeToString([]byte{1}))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestUnseal_UnknownVersion(t *testing.T) {
	store, err := New("test-master-secret")
	require.NoError(t, err)

	sealed, err := store.Seal("secret value")
	require.NoError(t, err)

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, "sealed."))
	require.NoError(t, err)
	payload[0] = 99
	_, err = store.Unseal("sealed." + base64.StdEncoding.EncodeToString(payload))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestNew_EmptyMasterSecret(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestSeal_EmptyValue(t *testing.T) {
	store, err := New("test-master-secret")
	require.NoError(t, err)

	_, err = store.Seal("")
	assert.ErrorIs(t, err, ErrEmptyValue)
}
