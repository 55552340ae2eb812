package onboarding

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mesmerverse/vettid-dev/walletcore/hdwallet"
	"github.com/mesmerverse/vettid-dev/walletcore/securekv"
	"github.com/mesmerverse/vettid-dev/walletcore/symmetric"
)

const mainStateKey = "walletcore.main_state"

// ErrStateCorrupt is returned when the main state cannot be decrypted with
// the master key.
var ErrStateCorrupt = errors.New("main state could not be decrypted")

// MainState is the application's persisted state. It holds mnemonics and is
// only ever stored encrypted under the master key.
type MainState struct {
	Version int               `cbor:"version"`
	Devices []hdwallet.Device `cbor:"devices"`
	// Wallets is keyed by lower-case root address
	Wallets map[string]hdwallet.Wallet `cbor:"wallets"`
}

func newMainState() *MainState {
	return &MainState{Version: 1, Wallets: make(map[string]hdwallet.Wallet)}
}

// StateStore persists MainState on an engine. Unlike the cache store it
// fails closed: a blob that does not decrypt is an error.
type StateStore struct {
	engine securekv.Engine
}

// NewStateStore creates a store over engine
func NewStateStore(engine securekv.Engine) *StateStore {
	return &StateStore{engine: engine}
}

// Load returns the state, or an empty state if none was saved.
func (s *StateStore) Load(ctx context.Context, masterKey []byte) (*MainState, error) {
	raw, ok, err := s.engine.GetString(ctx, mainStateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read main state: %w", err)
	}
	if !ok {
		return newMainState(), nil
	}

	ct, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	state, err := symmetric.Decrypt[MainState](ct, masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if state.Wallets == nil {
		state.Wallets = make(map[string]hdwallet.Wallet)
	}
	return &state, nil
}

// Save encrypts and writes state.
func (s *StateStore) Save(ctx context.Context, masterKey []byte, state *MainState) error {
	ct, err := symmetric.Encrypt(state, masterKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt main state: %w", err)
	}
	if err := s.engine.Set(ctx, mainStateKey, base64.StdEncoding.EncodeToString(ct)); err != nil {
		return fmt.Errorf("failed to write main state: %w", err)
	}
	return nil
}

// Clear removes the saved state.
func (s *StateStore) Clear(ctx context.Context) error {
	return s.engine.Delete(ctx, mainStateKey)
}
