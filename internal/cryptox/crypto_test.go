package cryptox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	password := []byte("secret-password")
	salt := []byte("fixed-salt-16byt")

	key1 := DeriveMasterKey(password, salt)
	key2 := DeriveMasterKey(password, salt)

	// одинаковые входы -> одинаковый вывод
	assert.True(t, bytes.Equal(key1, key2))
	assert.Len(t, key1, KeySize)
}

func TestDeriveMasterKey_DifferentSalts(t *testing.T) {
	password := []byte("secret-password")
	assert.NotEqual(t, DeriveMasterKey(password, []byte("salt-1")), DeriveMasterKey(password, []byte("salt-2")))
}

func TestDeriveSessionKey(t *testing.T) {
	secret := []byte("pepper")
	salt := []byte("0123456789abcdef")

	k1, err := DeriveSessionKey("u1", "Angler@Example.com", secret, salt)
	require.NoError(t, err)
	require.Len(t, k1, KeySize)

	k2, err := DeriveSessionKey("u1", " angler@example.com", secret, salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "email casing must not change the key")

	k3, err := DeriveSessionKey("u2", "angler@example.com", secret, salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := DeriveSessionKey("u1", "angler@example.com", []byte("other"), salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestSealOpen_RoundTripAndAAD(t *testing.T) {
	key := bytes.Repeat([]byte{7}, KeySize)

	ct, nonce, err := Seal(key, []byte(`"quiet bay"`), []byte("trips|notes"))
	require.NoError(t, err)

	pt, err := Open(key, nonce, ct, []byte("trips|notes"))
	require.NoError(t, err)
	assert.Equal(t, `"quiet bay"`, string(pt))

	_, err = Open(key, nonce, ct, []byte("trips|location"))
	assert.Error(t, err, "aad mismatch must fail authentication")

	_, err = Open(key, nonce[:4], ct, nil)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestSeal_FreshNonce(t *testing.T) {
	key := bytes.Repeat([]byte{1}, KeySize)
	_, n1, err := Seal(key, []byte("x"), nil)
	require.NoError(t, err)
	_, n2, err := Seal(key, []byte("x"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)
}

func TestEncryptBlob_RoundTrip(t *testing.T) {
	data := []byte("jpeg bytes of a pike")

	blob, err := EncryptBlob(data)
	require.NoError(t, err)
	require.Len(t, blob.Key, KeySize)
	assert.NotContains(t, string(blob.Ciphertext), "pike")

	got, err := DecryptBlob(blob.Key, blob.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	other, err := EncryptBlob(data)
	require.NoError(t, err)
	assert.NotEqual(t, blob.Key, other.Key, "each blob gets its own key")

	_, err = DecryptBlob(other.Key, blob.Ciphertext)
	assert.Error(t, err)

	_, err = DecryptBlob(blob.Key, []byte{1, 2})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}
