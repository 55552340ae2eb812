// Package symmetric encrypts and decrypts arbitrary serializable state under a
// caller-supplied key or a PIN-derived key.
//
// Ciphertext format (CBOR map):
//
//	v     envelope version (1)
//	alg   "xchacha20poly1305"
//	salt  16-byte random HKDF salt
//	nonce 24-byte random XChaCha20 nonce
//	ct    sealed CBOR encoding of the value, with Poly1305 tag
//
// The AEAD key is HKDF-SHA256(key, salt) so keys of any length are accepted.
// A fresh salt and nonce are drawn for every call.
package symmetric

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	algorithmName   = "xchacha20poly1305"
	saltSize        = 16
	aeadKeySize     = chacha20poly1305.KeySize
)

var hkdfInfo = []byte("walletcore-symmetric-v1")

var (
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrEmptyKey          = errors.New("encryption key is empty")
)

type envelope struct {
	Version    int    `cbor:"v"`
	Algorithm  string `cbor:"alg"`
	Salt       []byte `cbor:"salt"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ct"`
}

// Encrypt serializes v with CBOR and seals it under key.
func Encrypt(v any, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	plaintext, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize value: %w", err)
	}
	defer Zero(plaintext)

	return seal(plaintext, key)
}

// Decrypt opens ciphertext produced by Encrypt and decodes it into a T.
// A wrong key always yields ErrDecryptionFailed.
func Decrypt[T any](ciphertext, key []byte) (T, error) {
	var out T
	if len(key) == 0 {
		return out, ErrEmptyKey
	}

	plaintext, err := open(ciphertext, key)
	if err != nil {
		return out, err
	}
	defer Zero(plaintext)

	if err := cbor.Unmarshal(plaintext, &out); err != nil {
		// Authenticated but not a T: treat as undecryptable for the caller
		return out, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return out, nil
}

// EncryptWithPIN encrypts v under the key derived by HashPIN(pin).
func EncryptWithPIN(v any, pin string) ([]byte, error) {
	return Encrypt(v, []byte(HashPIN(pin)))
}

// DecryptWithPIN is the inverse of EncryptWithPIN.
func DecryptWithPIN[T any](ciphertext []byte, pin string) (T, error) {
	return Decrypt[T](ciphertext, []byte(HashPIN(pin)))
}

func seal(plaintext, key []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aeadKey, err := deriveKey(key, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(aeadKey)

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := envelope{
		Version:    envelopeVersion,
		Algorithm:  algorithmName,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, additionalData()),
	}

	out, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return out, nil
}

func open(data, key []byte) ([]byte, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if env.Version != envelopeVersion || env.Algorithm != algorithmName {
		return nil, fmt.Errorf("%w: unsupported envelope v%d/%s", ErrInvalidCiphertext, env.Version, env.Algorithm)
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad salt or nonce length", ErrInvalidCiphertext)
	}

	aeadKey, err := deriveKey(key, env.Salt)
	if err != nil {
		return nil, err
	}
	defer Zero(aeadKey)

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, additionalData())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func deriveKey(key, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, key, salt, hkdfInfo)
	out := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return out, nil
}

// additionalData binds the ciphertext to the envelope version and algorithm.
func additionalData() []byte {
	return []byte(fmt.Sprintf("%s/v%d", algorithmName, envelopeVersion))
}

// IsCiphertext reports whether data parses as a symmetric envelope.
// It says nothing about which key sealed it.
func IsCiphertext(data []byte) bool {
	var env envelope
	return cbor.Unmarshal(data, &env) == nil && env.Version == envelopeVersion && env.Algorithm == algorithmName
}
