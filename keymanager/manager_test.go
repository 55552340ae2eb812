package keymanager

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/mesmerverse/vettid-dev/walletcore/platform"
	"github.com/mesmerverse/vettid-dev/walletcore/symmetric"
)

func TestMain(m *testing.M) {
	symmetric.SetArgon2idParams(symmetric.Argon2idParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32})
	os.Exit(m.Run())
}

func newTestManager(t *testing.T) (*Manager, *platform.MemoryStorage, *int) {
	t.Helper()
	prompts := 0
	auth := platform.AuthenticatorFunc(func(ctx context.Context, prompt string) error {
		prompts++
		return nil
	})
	storage := platform.NewMemoryStorage(auth)
	return New(storage, DefaultOptions()), storage, &prompts
}

func mustKeys(t *testing.T) EncryptionKeys {
	t.Helper()
	keys, err := GenerateEncryptionKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	return keys
}

func TestGenerateEncryptionKeys(t *testing.T) {
	a := mustKeys(t)
	b := mustKeys(t)
	if len(a.MasterKey) != 64 || len(a.StorageKey) != 64 {
		t.Errorf("Expected 32-byte hex keys, got %d/%d chars", len(a.MasterKey), len(a.StorageKey))
	}
	if a == b {
		t.Error("Generated keys should differ")
	}
	if _, err := a.MasterKeyBytes(); err != nil {
		t.Errorf("MasterKey is not hex: %v", err)
	}
}

func TestNoKeyFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.GetEncryptionKeys(ctx); !errors.Is(err, ErrNoKeyFound) {
		t.Errorf("Expected ErrNoKeyFound, got %v", err)
	}
	if _, err := m.SecurityLevel(ctx); !errors.Is(err, ErrNoKeyFound) {
		t.Errorf("Expected ErrNoKeyFound, got %v", err)
	}
	if m.ValidatePinCode(ctx, "1234") {
		t.Error("ValidatePinCode should be false with nothing stored")
	}
}

func TestSecretMode(t *testing.T) {
	m, storage, prompts := newTestManager(t)
	ctx := context.Background()
	keys := mustKeys(t)

	if err := m.SetKeys(ctx, keys, SecuritySecret, "1234"); err != nil {
		t.Fatalf("Failed to set keys: %v", err)
	}
	if storage.IsGated(PrimarySlot) {
		t.Error("SECRET blob must not be behind the platform gate")
	}

	stored, err := m.GetEncryptionKeys(ctx)
	if err != nil {
		t.Fatalf("Failed to get keys: %v", err)
	}
	if stored.Mode != SecuritySecret {
		t.Errorf("Expected SECRET, got %s", stored.Mode)
	}

	got, err := m.DecryptWithPin(ctx, "1234")
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if got != keys {
		t.Error("Decrypted keys do not match")
	}

	if !m.ValidatePinCode(ctx, "1234") {
		t.Error("Correct PIN should validate")
	}
	if m.ValidatePinCode(ctx, "4321") {
		t.Error("Wrong PIN should not validate")
	}
	if _, err := m.DecryptWithPin(ctx, "4321"); !errors.Is(err, ErrIncorrectPin) {
		t.Errorf("Expected ErrIncorrectPin, got %v", err)
	}
	if *prompts != 0 {
		t.Errorf("SECRET mode should never prompt, prompted %d times", *prompts)
	}
}

func TestBiometricMode(t *testing.T) {
	m, storage, prompts := newTestManager(t)
	ctx := context.Background()
	keys := mustKeys(t)

	if err := m.SetKeys(ctx, keys, SecurityBiometric, ""); err != nil {
		t.Fatalf("Failed to set keys: %v", err)
	}
	if !storage.IsGated(PrimarySlot) {
		t.Fatal("BIOMETRIC blob must be gated")
	}

	level, err := m.SecurityLevel(ctx)
	if err != nil || level != SecurityBiometric {
		t.Errorf("Expected BIOMETRIC without prompt, got %s (%v)", level, err)
	}
	if *prompts != 0 {
		t.Error("SecurityLevel must not prompt")
	}

	got, err := m.Unlock(ctx, "")
	if err != nil {
		t.Fatalf("Failed to unlock: %v", err)
	}
	if got != keys {
		t.Error("Unlocked keys do not match")
	}
	if *prompts != 1 {
		t.Errorf("Expected one prompt, got %d", *prompts)
	}

	if m.ValidatePinCode(ctx, "1234") {
		t.Error("No PIN validates a BIOMETRIC blob")
	}
	if _, err := m.DecryptWithPin(ctx, "1234"); !errors.Is(err, ErrInvalidSecurityType) {
		t.Errorf("Expected ErrInvalidSecurityType, got %v", err)
	}
}

func TestBiometricChallengeDenied(t *testing.T) {
	storage := platform.NewMemoryStorage(platform.AuthenticatorFunc(func(ctx context.Context, prompt string) error {
		return errors.New("user cancelled")
	}))
	m := New(storage, DefaultOptions())
	ctx := context.Background()

	if err := m.SetKeys(ctx, mustKeys(t), SecurityBiometric, ""); err != nil {
		t.Fatalf("Failed to set keys: %v", err)
	}
	if _, err := m.Unlock(ctx, ""); !errors.Is(err, platform.ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestSetKeysValidation(t *testing.T) {
	m, storage, _ := newTestManager(t)
	ctx := context.Background()
	keys := mustKeys(t)

	cases := []struct {
		name string
		keys EncryptionKeys
		mode SecurityLevelType
		pin  string
		want error
	}{
		{"secret without pin", keys, SecuritySecret, "", ErrMissingPin},
		{"none mode", keys, SecurityNone, "1234", ErrInvalidSecurityType},
		{"unknown mode", keys, SecurityLevelType("FACE"), "1234", ErrInvalidSecurityType},
		{"empty keys", EncryptionKeys{}, SecuritySecret, "1234", ErrInvalidKeys},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := m.SetKeys(ctx, tc.keys, tc.mode, tc.pin); !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
			if storage.Has(PrimarySlot) {
				t.Error("Rejected write must not touch storage")
			}
		})
	}
}

func TestSetKeysStorageFailureLeavesOldBlob(t *testing.T) {
	m, storage, _ := newTestManager(t)
	ctx := context.Background()
	keys := mustKeys(t)

	if err := m.SetKeys(ctx, keys, SecuritySecret, "1234"); err != nil {
		t.Fatalf("Failed to set keys: %v", err)
	}

	storage.SetHook = func(key string, opts platform.Options) error {
		return errors.New("keychain unavailable")
	}
	if err := m.SetKeys(ctx, mustKeys(t), SecuritySecret, "9999"); err == nil {
		t.Fatal("Expected write failure")
	}
	storage.SetHook = nil

	got, err := m.DecryptWithPin(ctx, "1234")
	if err != nil || got != keys {
		t.Errorf("Old blob should survive a failed write: %v", err)
	}
}

func TestDeleteKeysIdempotent(t *testing.T) {
	m, storage, _ := newTestManager(t)
	ctx := context.Background()

	m.SetKeys(ctx, mustKeys(t), SecuritySecret, "1234")
	if err := m.DeleteKeys(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := m.DeleteKeys(ctx); err != nil {
		t.Errorf("Second delete failed: %v", err)
	}
	if storage.Has(PrimarySlot) {
		t.Error("Primary slot should be empty")
	}
}

func TestCorruptBlobFailsClosed(t *testing.T) {
	m, storage, _ := newTestManager(t)
	ctx := context.Background()

	// Plain CBOR keys with no envelope must not be mistaken for BIOMETRIC
	storage.Set(ctx, PrimarySlot, platform.Options{}, []byte{0xa1, 0x61, 0x78, 0x01})

	if _, err := m.GetEncryptionKeys(ctx); !errors.Is(err, ErrCorruptKeyBlob) {
		t.Errorf("Expected ErrCorruptKeyBlob, got %v", err)
	}
	if m.ValidatePinCode(ctx, "1234") {
		t.Error("Corrupt blob must not validate")
	}
}

func TestSlotPrimitives(t *testing.T) {
	m, storage, _ := newTestManager(t)
	ctx := context.Background()
	keys := mustKeys(t)

	if ok, err := m.SlotExists(ctx, BackupSlot); err != nil || ok {
		t.Errorf("Backup should not exist: %v %v", ok, err)
	}
	if err := m.WriteSlot(ctx, BackupSlot, keys, SecuritySecret, "1234"); err != nil {
		t.Fatalf("WriteSlot failed: %v", err)
	}

	mode, err := m.CopySlot(ctx, BackupSlot, PrimarySlot)
	if err != nil || mode != SecuritySecret {
		t.Fatalf("CopySlot failed: %s %v", mode, err)
	}
	if string(storage.Raw(BackupSlot)) != string(storage.Raw(PrimarySlot)) {
		t.Error("CopySlot should copy bytes unchanged")
	}
	if got, err := m.DecryptWithPin(ctx, "1234"); err != nil || got != keys {
		t.Errorf("Copied blob should decrypt: %v", err)
	}

	m.WriteSlot(ctx, BackupSlot, keys, SecurityBiometric, "")
	if ok, err := m.SlotExists(ctx, BackupSlot); err != nil || !ok {
		t.Errorf("Gated slot should exist without prompting: %v %v", ok, err)
	}
	if err := m.DeleteSlot(ctx, BackupSlot); err != nil {
		t.Fatalf("DeleteSlot failed: %v", err)
	}
	if storage.Has(BackupSlot) {
		t.Error("Backup slot should be gone")
	}
}

func TestValidatePinFormat(t *testing.T) {
	m := New(platform.NewMemoryStorage(nil), DefaultOptions())

	cases := []struct {
		pin   string
		valid bool
	}{
		{"1234", true},
		{"12345678", true},
		{"123", false},
		{"123456789", false},
		{"12a4", false},
		{"", false},
	}
	for _, tc := range cases {
		err := m.ValidatePinFormat(tc.pin)
		if tc.valid && err != nil {
			t.Errorf("%q: unexpected error %v", tc.pin, err)
		}
		if !tc.valid && !errors.Is(err, ErrInvalidPinFormat) {
			t.Errorf("%q: expected ErrInvalidPinFormat, got %v", tc.pin, err)
		}
	}

	six := New(platform.NewMemoryStorage(nil), Options{MinPinLength: 6, MaxPinLength: 6})
	if err := six.ValidatePinFormat("1234"); err == nil {
		t.Error("Configured minimum should apply")
	}
}

func TestParseSecurityLevel(t *testing.T) {
	if lvl, err := ParseSecurityLevel("biometric"); err != nil || lvl != SecurityBiometric {
		t.Errorf("Unexpected %s %v", lvl, err)
	}
	if _, err := ParseSecurityLevel("pattern"); !errors.Is(err, ErrInvalidSecurityType) {
		t.Errorf("Expected ErrInvalidSecurityType, got %v", err)
	}
}
