package symmetric

import (
	"crypto/subtle"
	"encoding/hex"
	"runtime"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams controls the PIN hashing cost.
type Argon2idParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2idParams are tuned for a mobile-class device.
var DefaultArgon2idParams = Argon2idParams{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
}

// unsaltedDomain is the fixed salt for HashPIN. Unsalted hashes must stay
// stable across builds: changing it invalidates every stored PIN ciphertext.
var unsaltedDomain = []byte("walletcore/pin-hash/v1")

var (
	paramsMu sync.RWMutex
	params   = DefaultArgon2idParams
)

// SetArgon2idParams overrides the hashing cost and returns the previous
// parameters. Intended for tests and low-end device tuning; must be set before
// any PIN-protected data is written.
func SetArgon2idParams(p Argon2idParams) Argon2idParams {
	paramsMu.Lock()
	defer paramsMu.Unlock()
	prev := params
	params = p
	return prev
}

func currentParams() Argon2idParams {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	return params
}

// HashPIN derives a fixed-length hex key from a human PIN. Pure and stable.
func HashPIN(pin string) string {
	p := currentParams()
	key := argon2.IDKey([]byte(pin), unsaltedDomain, p.Time, p.Memory, p.Threads, p.KeyLen)
	defer Zero(key)
	return hex.EncodeToString(key)
}

// HashPINWithSalt derives a salted hash in the form "argon2id$<salt>$<key>".
func HashPINWithSalt(pin string, salt []byte) string {
	p := currentParams()
	key := argon2.IDKey([]byte(pin), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	defer Zero(key)
	return "argon2id$" + hex.EncodeToString(salt) + "$" + hex.EncodeToString(key)
}

// VerifyPINHash checks pin against a hash produced by HashPINWithSalt in
// constant time.
func VerifyPINHash(pin string, salt []byte, expected string) bool {
	computed := HashPINWithSalt(pin, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
