// Package session holds the user's PIN in memory for the lifetime of the
// process, so an auto-unlock configuration does not prompt repeatedly.
package session

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
)

// Config is the security preference that decides whether caching is allowed.
type Config struct {
	SecurityLevel keymanager.SecurityLevelType
	PinRequired   bool
}

// cachingAllowed is true only for SECRET protection without a per-use PIN.
func (c Config) cachingAllowed() bool {
	return c.SecurityLevel == keymanager.SecuritySecret && !c.PinRequired
}

// PINCache is an in-memory PIN holder. Construct one per app process with
// NewPINCache and pass it to the components that need it.
type PINCache struct {
	pin    []byte
	config Config
	mu     sync.Mutex
}

// NewPINCache creates an empty cache under config
func NewPINCache(config Config) *PINCache {
	return &PINCache{config: config}
}

// SetPinCode caches pin. It is ignored while caching is disabled.
func (c *PINCache) SetPinCode(pin string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.config.cachingAllowed() {
		log.Debug().Msg("PIN caching disabled, not storing PIN")
		return
	}
	c.clearLocked()
	c.pin = []byte(pin)
}

// GetPinCode returns the cached PIN. While caching is disabled it returns
// false and logs a warning, even if a PIN was cached earlier.
func (c *PINCache) GetPinCode() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.config.cachingAllowed() {
		log.Warn().
			Str("security_level", string(c.config.SecurityLevel)).
			Bool("pin_required", c.config.PinRequired).
			Msg("Cached PIN requested while caching is disabled")
		return "", false
	}
	if c.pin == nil {
		return "", false
	}
	return string(c.pin), true
}

// RemovePinCode drops the cached PIN.
func (c *PINCache) RemovePinCode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// ApplyConfig switches to config. Any transition that disables caching
// clears the PIN.
func (c *PINCache) ApplyConfig(config Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.config = config
	if !config.cachingAllowed() {
		c.clearLocked()
	}
}

// Enabled reports whether the active configuration allows caching
func (c *PINCache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.cachingAllowed()
}

// Config returns the active configuration
func (c *PINCache) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

func (c *PINCache) clearLocked() {
	for i := range c.pin {
		c.pin[i] = 0
	}
	c.pin = nil
}
