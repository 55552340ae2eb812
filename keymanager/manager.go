package keymanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/walletcore/platform"
	"github.com/mesmerverse/vettid-dev/walletcore/symmetric"
)

const defaultPrompt = "Unlock your wallet"

// Options configures a Manager
type Options struct {
	MinPinLength int
	MaxPinLength int
	// Prompt is shown during the biometric challenge
	Prompt string
}

// DefaultOptions accepts 4 to 8 digit PINs
func DefaultOptions() Options {
	return Options{MinPinLength: 4, MaxPinLength: 8, Prompt: defaultPrompt}
}

// StoredKeys is the raw content of a slot with its protection mode.
type StoredKeys struct {
	Mode    SecurityLevelType
	Payload []byte
}

// Open returns the keys in the blob. pin is ignored for BIOMETRIC blobs,
// whose payload was released by the platform gate. Any failure to decrypt a
// SECRET blob is reported as ErrIncorrectPin.
func (s *StoredKeys) Open(pin string) (EncryptionKeys, error) {
	switch s.Mode {
	case SecuritySecret:
		if pin == "" {
			return EncryptionKeys{}, ErrMissingPin
		}
		keys, err := symmetric.DecryptWithPIN[EncryptionKeys](s.Payload, pin)
		if err != nil || !keys.valid() {
			return EncryptionKeys{}, ErrIncorrectPin
		}
		return keys, nil
	case SecurityBiometric:
		var keys EncryptionKeys
		if err := cbor.Unmarshal(s.Payload, &keys); err != nil {
			return EncryptionKeys{}, fmt.Errorf("%w: %v", ErrCorruptKeyBlob, err)
		}
		if !keys.valid() {
			return EncryptionKeys{}, ErrInvalidKeys
		}
		return keys, nil
	}
	return EncryptionKeys{}, ErrInvalidSecurityType
}

// Manager reads and writes the master key blob. It holds no key material
// between calls.
type Manager struct {
	storage platform.SecureStorage
	opts    Options
}

// New creates a Manager over storage
func New(storage platform.SecureStorage, opts Options) *Manager {
	if opts.MinPinLength <= 0 {
		opts.MinPinLength = 4
	}
	if opts.MaxPinLength < opts.MinPinLength {
		opts.MaxPinLength = opts.MinPinLength
	}
	if opts.Prompt == "" {
		opts.Prompt = defaultPrompt
	}
	return &Manager{storage: storage, opts: opts}
}

// GetEncryptionKeys reads the primary slot and classifies it. A BIOMETRIC
// blob triggers the platform challenge.
func (m *Manager) GetEncryptionKeys(ctx context.Context) (*StoredKeys, error) {
	return m.ReadSlot(ctx, PrimarySlot)
}

// SecurityLevel reports the primary slot's mode without prompting.
func (m *Manager) SecurityLevel(ctx context.Context) (SecurityLevelType, error) {
	raw, err := m.storage.Get(ctx, PrimarySlot, platform.Options{})
	switch {
	case errors.Is(err, platform.ErrNotFound):
		return SecurityNone, ErrNoKeyFound
	case errors.Is(err, platform.ErrAuthenticationRequired):
		// Only BIOMETRIC blobs are written behind the gate
		return SecurityBiometric, nil
	case err != nil:
		return SecurityNone, fmt.Errorf("failed to read key blob: %w", err)
	}

	env, err := unmarshalEnvelope(raw)
	if err != nil {
		return SecurityNone, err
	}
	return env.Mode, nil
}

// ValidatePinCode reports whether pin decrypts the primary SECRET blob.
// It never prompts and never returns an error.
func (m *Manager) ValidatePinCode(ctx context.Context, pin string) bool {
	if pin == "" {
		return false
	}

	raw, err := m.storage.Get(ctx, PrimarySlot, platform.Options{})
	if err != nil {
		if !errors.Is(err, platform.ErrNotFound) && !errors.Is(err, platform.ErrAuthenticationRequired) {
			log.Debug().Err(err).Msg("PIN validation could not read key blob")
		}
		return false
	}

	env, err := unmarshalEnvelope(raw)
	if err != nil || env.Mode != SecuritySecret {
		return false
	}

	stored := &StoredKeys{Mode: env.Mode, Payload: env.Payload}
	_, err = stored.Open(pin)
	return err == nil
}

// DecryptWithPin returns the keys from a SECRET primary blob.
func (m *Manager) DecryptWithPin(ctx context.Context, pin string) (EncryptionKeys, error) {
	stored, err := m.GetEncryptionKeys(ctx)
	if err != nil {
		return EncryptionKeys{}, err
	}
	if stored.Mode != SecuritySecret {
		return EncryptionKeys{}, fmt.Errorf("%w: key blob is %s protected", ErrInvalidSecurityType, stored.Mode)
	}
	return stored.Open(pin)
}

// Unlock returns the keys in whichever mode protects them. pin is only
// consulted for SECRET blobs.
func (m *Manager) Unlock(ctx context.Context, pin string) (EncryptionKeys, error) {
	stored, err := m.GetEncryptionKeys(ctx)
	if err != nil {
		return EncryptionKeys{}, err
	}
	return stored.Open(pin)
}

// SetKeys replaces the primary blob.
func (m *Manager) SetKeys(ctx context.Context, keys EncryptionKeys, mode SecurityLevelType, pin string) error {
	return m.WriteSlot(ctx, PrimarySlot, keys, mode, pin)
}

// DeleteKeys removes the primary blob. Deleting an absent blob succeeds.
func (m *Manager) DeleteKeys(ctx context.Context) error {
	return m.DeleteSlot(ctx, PrimarySlot)
}

// ValidatePinFormat checks length and that pin is all digits.
func (m *Manager) ValidatePinFormat(pin string) error {
	if len(pin) < m.opts.MinPinLength || len(pin) > m.opts.MaxPinLength {
		return fmt.Errorf("%w: PIN must be %d-%d digits", ErrInvalidPinFormat, m.opts.MinPinLength, m.opts.MaxPinLength)
	}
	if !isAllDigits(pin) {
		return fmt.Errorf("%w: PIN must contain only digits", ErrInvalidPinFormat)
	}
	return nil
}

// ReadSlot returns the classified content of slot. ErrNoKeyFound when empty.
func (m *Manager) ReadSlot(ctx context.Context, slot string) (*StoredKeys, error) {
	raw, err := m.readRaw(ctx, slot)
	if err != nil {
		return nil, err
	}
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return &StoredKeys{Mode: env.Mode, Payload: env.Payload}, nil
}

// WriteSlot encodes keys for mode and stores them in slot as one write.
func (m *Manager) WriteSlot(ctx context.Context, slot string, keys EncryptionKeys, mode SecurityLevelType, pin string) error {
	if !keys.valid() {
		return ErrInvalidKeys
	}

	var payload []byte
	var err error
	switch mode {
	case SecuritySecret:
		if pin == "" {
			return ErrMissingPin
		}
		payload, err = symmetric.EncryptWithPIN(keys, pin)
	case SecurityBiometric:
		payload, err = cbor.Marshal(keys)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityType, mode)
	}
	if err != nil {
		return fmt.Errorf("failed to encode keys: %w", err)
	}
	defer zeroBytes(payload)

	raw, err := marshalEnvelope(mode, payload)
	if err != nil {
		return fmt.Errorf("failed to encode key envelope: %w", err)
	}
	defer zeroBytes(raw)

	return m.writeRaw(ctx, slot, mode, raw)
}

// CopySlot copies the blob in from to to unchanged, keeping its mode.
func (m *Manager) CopySlot(ctx context.Context, from, to string) (SecurityLevelType, error) {
	raw, err := m.readRaw(ctx, from)
	if err != nil {
		return SecurityNone, err
	}
	defer zeroBytes(raw)

	env, err := unmarshalEnvelope(raw)
	if err != nil {
		return SecurityNone, err
	}
	if err := m.writeRaw(ctx, to, env.Mode, raw); err != nil {
		return SecurityNone, err
	}
	return env.Mode, nil
}

// DeleteSlot removes slot. Absent slots are not an error.
func (m *Manager) DeleteSlot(ctx context.Context, slot string) error {
	if err := m.storage.Delete(ctx, slot); err != nil {
		return fmt.Errorf("failed to delete %s: %w", slot, err)
	}
	return nil
}

// SlotExists reports whether slot holds a value, without prompting.
func (m *Manager) SlotExists(ctx context.Context, slot string) (bool, error) {
	_, err := m.storage.Get(ctx, slot, platform.Options{})
	switch {
	case err == nil, errors.Is(err, platform.ErrAuthenticationRequired):
		return true, nil
	case errors.Is(err, platform.ErrNotFound):
		return false, nil
	}
	return false, fmt.Errorf("failed to check %s: %w", slot, err)
}

// readRaw reads slot, retrying with the platform challenge when the item
// is gated.
func (m *Manager) readRaw(ctx context.Context, slot string) ([]byte, error) {
	raw, err := m.storage.Get(ctx, slot, platform.Options{})
	if errors.Is(err, platform.ErrAuthenticationRequired) {
		raw, err = m.storage.Get(ctx, slot, platform.Options{RequireAuthentication: true, Prompt: m.opts.Prompt})
	}
	if errors.Is(err, platform.ErrNotFound) {
		return nil, ErrNoKeyFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", slot, err)
	}
	return raw, nil
}

func (m *Manager) writeRaw(ctx context.Context, slot string, mode SecurityLevelType, raw []byte) error {
	opts := platform.Options{RequireAuthentication: mode == SecurityBiometric}
	if err := m.storage.Set(ctx, slot, opts, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", slot, err)
	}
	log.Debug().Str("slot", slot).Str("mode", string(mode)).Msg("Key blob written")
	return nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
