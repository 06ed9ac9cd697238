// Package cryptox wraps the primitives the core relies on: argon2id and
// HKDF key derivation plus AES-256-GCM sealing of fields and blobs.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every symmetric key produced here (AES-256).
const KeySize = 32

// fieldKeyInfo is the HKDF info label for field keys. Changing it orphans
// every envelope written so far.
const fieldKeyInfo = "fishkeeper:v1:fields"

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// DeriveMasterKey stretches password with argon2id (t=1, m=64MiB, p=4).
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// DeriveSessionKey derives the per-user field key from the user's identity,
// the application secret and the per-user salt stored with the profile.
// The email is lower-cased so casing changes at the provider do not rotate
// the key.
func DeriveSessionKey(userID, email string, appSecret, salt []byte) ([]byte, error) {
	material := make([]byte, 0, len(userID)+len(email)+len(appSecret)+2)
	material = append(material, userID...)
	material = append(material, '|')
	material = append(material, strings.ToLower(strings.TrimSpace(email))...)
	material = append(material, '|')
	material = append(material, appSecret...)
	defer common.WipeByteArray(material)

	master := DeriveMasterKey(material, salt)
	defer common.WipeByteArray(master)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(fieldKeyInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with a fresh random nonce. The nonce is returned
// separately so callers can choose how to frame it.
func Seal(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	return aesgcm.Seal(nil, nonce, plaintext, aad), nonce, nil
}

// Open authenticates and decrypts ciphertext produced by Seal.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	return aesgcm.Open(nil, nonce, ciphertext, aad)
}

// EncryptedBlob is a binary payload sealed under its own random key.
type EncryptedBlob struct {
	Ciphertext []byte // nonce || sealed data
	Key        []byte
}

// EncryptBlob seals data under a freshly generated key. The nonce is
// prepended to the ciphertext.
func EncryptBlob(data []byte) (*EncryptedBlob, error) {
	key := common.GenerateRandByteArray(KeySize)

	ct, nonce, err := Seal(key, data, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)

	return &EncryptedBlob{Ciphertext: out, Key: key}, nil
}

// DecryptBlob reverses EncryptBlob.
func DecryptBlob(key, blob []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := aesgcm.NonceSize()
	if len(blob) < ns+aesgcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	return aesgcm.Open(nil, blob[:ns], blob[ns:], nil)
}
