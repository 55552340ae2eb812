package session

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

var autoUnlock = Config{SecurityLevel: keymanager.SecuritySecret, PinRequired: false}

func TestGetPinCodeWhenAllowed(t *testing.T) {
	c := NewPINCache(autoUnlock)

	if _, ok := c.GetPinCode(); ok {
		t.Error("Empty cache should miss")
	}
	c.SetPinCode("1234")
	pin, ok := c.GetPinCode()
	if !ok || pin != "1234" {
		t.Errorf("Expected cached PIN, got %q ok=%v", pin, ok)
	}

	c.RemovePinCode()
	if _, ok := c.GetPinCode(); ok {
		t.Error("PIN should be gone after remove")
	}
}

func TestGetPinCodeWhenDisabled(t *testing.T) {
	cases := []struct {
		name   string
		config Config
	}{
		{"pin required", Config{SecurityLevel: keymanager.SecuritySecret, PinRequired: true}},
		{"biometric", Config{SecurityLevel: keymanager.SecurityBiometric}},
		{"none", Config{SecurityLevel: keymanager.SecurityNone}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			c := NewPINCache(tc.config)
			c.SetPinCode("1234")

			if pin, ok := c.GetPinCode(); ok || pin != "" {
				t.Errorf("Expected miss, got %q", pin)
			}
			if !strings.Contains(buf.String(), `"level":"warn"`) {
				t.Errorf("Expected warning, got %q", buf.String())
			}
		})
	}
}

func TestFlipToPinRequiredClears(t *testing.T) {
	captureLogs(t)
	c := NewPINCache(autoUnlock)
	c.SetPinCode("1234")

	c.ApplyConfig(Config{SecurityLevel: keymanager.SecuritySecret, PinRequired: true})
	if _, ok := c.GetPinCode(); ok {
		t.Error("Disabled cache must not return a PIN")
	}

	// Re-enabling must not resurrect the old PIN
	c.ApplyConfig(autoUnlock)
	if pin, ok := c.GetPinCode(); ok {
		t.Errorf("Stale PIN returned: %q", pin)
	}
	if c.Config() != autoUnlock {
		t.Error("Config not applied")
	}
}

func TestApplyConfigKeepsPinWhenStillAllowed(t *testing.T) {
	c := NewPINCache(autoUnlock)
	c.SetPinCode("1234")
	c.ApplyConfig(autoUnlock)

	if pin, ok := c.GetPinCode(); !ok || pin != "1234" {
		t.Errorf("Expected PIN to survive, got %q ok=%v", pin, ok)
	}
}
