package symmetric

import (
	"bytes"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
)

func TestMain(m *testing.M) {
	// Cheap parameters keep the suite fast
	SetArgon2idParams(Argon2idParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32})
	os.Exit(m.Run())
}

type testState struct {
	Name     string            `cbor:"name"`
	Count    int               `cbor:"count"`
	Tags     []string          `cbor:"tags"`
	Metadata map[string]string `cbor:"metadata"`
}

func TestRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	cases := []struct {
		name  string
		value testState
	}{
		{"empty", testState{}},
		{"populated", testState{Name: "wallet", Count: 3, Tags: []string{"a", "b"}, Metadata: map[string]string{"k": "v"}}},
		{"unicode", testState{Name: "wället ✓"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ct, err := Encrypt(tc.value, key)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			got, err := Decrypt[testState](ct, key)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !reflect.DeepEqual(normalize(got), normalize(tc.value)) {
				t.Errorf("Round trip mismatch: got %+v, want %+v", got, tc.value)
			}
		})
	}
}

// normalize maps nil and empty collections to the same value
func normalize(s testState) testState {
	if len(s.Tags) == 0 {
		s.Tags = nil
	}
	if len(s.Metadata) == 0 {
		s.Metadata = nil
	}
	return s
}

func TestRoundTripScalars(t *testing.T) {
	key := []byte("short")

	ct, err := Encrypt("hello", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	s, err := Decrypt[string](ct, key)
	if err != nil || s != "hello" {
		t.Fatalf("Expected hello, got %q (%v)", s, err)
	}

	ct, err = Encrypt(42, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	n, err := Decrypt[int](ct, key)
	if err != nil || n != 42 {
		t.Fatalf("Expected 42, got %d (%v)", n, err)
	}
}

func TestWrongKeyFails(t *testing.T) {
	ct, err := Encrypt(testState{Name: "secret"}, []byte("key-one"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		_, err := Decrypt[testState](ct, []byte("key-two"))
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("Expected ErrDecryptionFailed, got %v", err)
		}
	}
}

func TestFreshNoncePerCall(t *testing.T) {
	key := []byte("same-key")
	a, _ := Encrypt("same", key)
	b, _ := Encrypt("same", key)
	if bytes.Equal(a, b) {
		t.Error("Identical plaintext and key must not produce identical ciphertext")
	}
}

func TestTamperedCiphertext(t *testing.T) {
	key := []byte("key")
	ct, _ := Encrypt("payload", key)

	tampered := append([]byte{}, ct...)
	tampered[len(tampered)-1] ^= 0xff

	_, err := Decrypt[string](tampered, key)
	if err == nil {
		t.Fatal("Expected error for tampered ciphertext")
	}
}

func TestGarbageInput(t *testing.T) {
	_, err := Decrypt[string]([]byte("not cbor at all"), []byte("key"))
	if !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Expected ErrInvalidCiphertext, got %v", err)
	}
	if IsCiphertext([]byte("plain")) {
		t.Error("Plain bytes should not be recognized as ciphertext")
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	if _, err := Encrypt("x", nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Expected ErrEmptyKey, got %v", err)
	}
}

func TestPINHelpers(t *testing.T) {
	ct, err := EncryptWithPIN(testState{Name: "keys"}, "123456")
	if err != nil {
		t.Fatalf("EncryptWithPIN failed: %v", err)
	}
	if !IsCiphertext(ct) {
		t.Error("Expected envelope to be recognized")
	}

	got, err := DecryptWithPIN[testState](ct, "123456")
	if err != nil || got.Name != "keys" {
		t.Fatalf("DecryptWithPIN failed: %+v %v", got, err)
	}

	if _, err := DecryptWithPIN[testState](ct, "654321"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed for wrong PIN, got %v", err)
	}
}

func TestHashDeterminism(t *testing.T) {
	salt := []byte("0123456789abcdef")

	if HashPIN("1111") != HashPIN("1111") {
		t.Error("HashPIN must be stable")
	}
	if HashPINWithSalt("1111", salt) != HashPINWithSalt("1111", salt) {
		t.Error("HashPINWithSalt must be stable")
	}
	if HashPIN("1111") == HashPIN("1112") {
		t.Error("Different PINs must hash differently")
	}

	unsalted := HashPIN("1111")
	salted := HashPINWithSalt("1111", salt)
	if len(unsalted) != 64 || strings.Contains(unsalted, "$") {
		t.Errorf("Unexpected unsalted format: %s", unsalted)
	}
	if !strings.HasPrefix(salted, "argon2id$") || salted == unsalted {
		t.Errorf("Unexpected salted format: %s", salted)
	}
}

func TestVerifyPINHash(t *testing.T) {
	salt := []byte("saltsaltsaltsalt")
	h := HashPINWithSalt("2468", salt)

	if !VerifyPINHash("2468", salt, h) {
		t.Error("Expected correct PIN to verify")
	}
	if VerifyPINHash("1357", salt, h) {
		t.Error("Expected wrong PIN to fail")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("Expected zeroed bytes, got %v", b)
	}
	Zero(nil)
}
