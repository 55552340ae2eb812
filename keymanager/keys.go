// Package keymanager owns the master key blob in platform secure storage.
//
// The blob is protected in exactly one of two modes: SECRET encrypts the
// keys under a PIN-derived key, BIOMETRIC stores them plainly behind the
// platform authentication gate. The mode is persisted in the blob's envelope.
// Every read and write of key material fails closed.
package keymanager

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// SecurityLevelType is the protection mode of the master key
type SecurityLevelType string

const (
	SecuritySecret    SecurityLevelType = "SECRET"
	SecurityBiometric SecurityLevelType = "BIOMETRIC"
	SecurityNone      SecurityLevelType = "NONE"
)

// ParseSecurityLevel parses a mode name case-insensitively.
func ParseSecurityLevel(s string) (SecurityLevelType, error) {
	switch SecurityLevelType(strings.ToUpper(strings.TrimSpace(s))) {
	case SecuritySecret:
		return SecuritySecret, nil
	case SecurityBiometric:
		return SecurityBiometric, nil
	case SecurityNone:
		return SecurityNone, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSecurityType, s)
}

// Storage slots
const (
	PrimarySlot = "walletcore.encryption_keys"
	BackupSlot  = PrimarySlot + ".backup"
)

const (
	envelopeVersion = 1
	keyBytes        = 32
)

var (
	ErrNoKeyFound          = errors.New("no encryption keys stored")
	ErrMissingPin          = errors.New("a PIN is required for SECRET protection")
	ErrInvalidSecurityType = errors.New("invalid security type")
	ErrIncorrectPin        = errors.New("incorrect PIN")
	ErrInvalidPinFormat    = errors.New("invalid PIN format")
	ErrInvalidKeys         = errors.New("encryption keys are incomplete")
	ErrCorruptKeyBlob      = errors.New("stored key blob is corrupt")
)

// EncryptionKeys is the master key payload. MasterKey must be present for
// the payload to be considered valid.
type EncryptionKeys struct {
	MasterKey  string `cbor:"master_key" json:"masterKey"`
	StorageKey string `cbor:"storage_key" json:"storageKey"`
}

func (k EncryptionKeys) valid() bool {
	return k.MasterKey != ""
}

// MasterKeyBytes decodes MasterKey.
func (k EncryptionKeys) MasterKeyBytes() ([]byte, error) {
	return hex.DecodeString(k.MasterKey)
}

// StorageKeyBytes decodes StorageKey.
func (k EncryptionKeys) StorageKeyBytes() ([]byte, error) {
	return hex.DecodeString(k.StorageKey)
}

// GenerateEncryptionKeys creates a fresh random key pair
func GenerateEncryptionKeys() (EncryptionKeys, error) {
	master := make([]byte, keyBytes)
	storage := make([]byte, keyBytes)
	if _, err := rand.Read(master); err != nil {
		return EncryptionKeys{}, fmt.Errorf("failed to generate master key: %w", err)
	}
	if _, err := rand.Read(storage); err != nil {
		return EncryptionKeys{}, fmt.Errorf("failed to generate storage key: %w", err)
	}
	keys := EncryptionKeys{
		MasterKey:  hex.EncodeToString(master),
		StorageKey: hex.EncodeToString(storage),
	}
	zeroBytes(master)
	zeroBytes(storage)
	return keys, nil
}

// keyEnvelope is the persisted slot value. Mode is the explicit protection
// discriminant; the payload is never inspected to infer it.
type keyEnvelope struct {
	Version int               `cbor:"v"`
	Mode    SecurityLevelType `cbor:"mode"`
	Payload []byte            `cbor:"payload"`
}

func marshalEnvelope(mode SecurityLevelType, payload []byte) ([]byte, error) {
	return cbor.Marshal(keyEnvelope{Version: envelopeVersion, Mode: mode, Payload: payload})
}

func unmarshalEnvelope(raw []byte) (keyEnvelope, error) {
	var env keyEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrCorruptKeyBlob, err)
	}
	if env.Version != envelopeVersion {
		return env, fmt.Errorf("%w: unsupported version %d", ErrCorruptKeyBlob, env.Version)
	}
	if env.Mode != SecuritySecret && env.Mode != SecurityBiometric {
		return env, fmt.Errorf("%w: mode %q", ErrCorruptKeyBlob, env.Mode)
	}
	return env, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
