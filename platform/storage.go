// Package platform defines the device services the wallet core consumes:
// secure storage, the biometric/device-credential gate, enrollment queries
// and localization. Implementations here are an in-memory store for tests
// and a sealed SQLite file store for development builds.
package platform

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no value is stored under the key
	ErrNotFound = errors.New("secure storage: item not found")

	// ErrAuthenticationRequired indicates the item is gated and the read did
	// not request authentication. No prompt is shown in this case.
	ErrAuthenticationRequired = errors.New("secure storage: authentication required")

	// ErrAuthenticationFailed indicates the user denied or failed the challenge
	ErrAuthenticationFailed = errors.New("secure storage: authentication failed")

	// ErrAuthenticationUnavailable indicates no biometric or device credential is enrolled
	ErrAuthenticationUnavailable = errors.New("secure storage: authentication unavailable")
)

// Options controls access to a secure storage item.
type Options struct {
	// RequireAuthentication gates the item behind a biometric or device
	// credential challenge. Set on write to protect the item; set on read to
	// allow the platform to prompt.
	RequireAuthentication bool

	// Prompt is shown by the platform during the challenge.
	Prompt string
}

// SecureStorage is the platform keychain/keystore.
type SecureStorage interface {
	// Get returns the stored bytes. ErrNotFound when absent.
	Get(ctx context.Context, key string, opts Options) ([]byte, error)

	// Set replaces the value atomically. Set must not retain value; callers
	// zero it once Set returns.
	Set(ctx context.Context, key string, opts Options, value []byte) error

	// Delete removes the value. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Authenticator performs the biometric or device-credential challenge.
// It may block for as long as the user takes to respond.
type Authenticator interface {
	Authenticate(ctx context.Context, prompt string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, prompt string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, prompt string) error {
	return f(ctx, prompt)
}

// AlwaysApprove is an Authenticator that approves every challenge.
var AlwaysApprove = AuthenticatorFunc(func(ctx context.Context, _ string) error {
	return ctx.Err()
})

// Labeler supplies the localized label for device aliases.
type Labeler interface {
	Label() string
}

// StaticLabeler returns a fixed label.
type StaticLabeler string

func (l StaticLabeler) Label() string {
	if l == "" {
		return "Wallet"
	}
	return string(l)
}
