// Package onboarding creates and imports mnemonic wallets. It ties the HD
// derivation to the key manager and keeps devices and wallets in the main
// state, encrypted under the master key.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/walletcore/hdwallet"
	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
	"github.com/mesmerverse/vettid-dev/walletcore/securekv"
	"github.com/mesmerverse/vettid-dev/walletcore/symmetric"
)

// Service runs onboarding flows. cache may be nil.
type Service struct {
	deriver *hdwallet.Deriver
	keys    *keymanager.Manager
	state   *StateStore
	cache   *securekv.Store
	labeler hdwallet.Labeler
}

// NewService wires the onboarding collaborators
func NewService(deriver *hdwallet.Deriver, keys *keymanager.Manager, state *StateStore, cache *securekv.Store, labeler hdwallet.Labeler) *Service {
	return &Service{
		deriver: deriver,
		keys:    keys,
		state:   state,
		cache:   cache,
		labeler: labeler,
	}
}

// Credentials unlock the master key. PIN is ignored under BIOMETRIC
// protection; Mode is only used when no key exists yet.
type Credentials struct {
	PIN  string
	Mode keymanager.SecurityLevelType
}

// CreateWallet generates a new mnemonic and onboards it.
func (s *Service) CreateWallet(ctx context.Context, words int, creds Credentials) (*hdwallet.Device, []string, error) {
	mnemonic, err := hdwallet.GenerateMnemonic(words)
	if err != nil {
		return nil, nil, err
	}
	device, err := s.ImportWallet(ctx, mnemonic, creds)
	if err != nil {
		return nil, nil, err
	}
	return device, mnemonic, nil
}

// ImportWallet derives the device for mnemonic and stores it. A mnemonic
// whose root address is already onboarded fails with ErrDuplicateDevice.
// The first import also creates and protects the master key.
func (s *Service) ImportWallet(ctx context.Context, mnemonic []string, creds Credentials) (*hdwallet.Device, error) {
	if !hdwallet.ValidateMnemonic(mnemonic) {
		return nil, hdwallet.ErrInvalidMnemonic
	}

	keys, created, err := s.masterKeys(ctx, creds)
	if err != nil {
		return nil, err
	}
	master, err := keys.MasterKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keymanager.ErrInvalidKeys, err)
	}
	defer symmetric.Zero(master)

	state, err := s.state.Load(ctx, master)
	if err != nil {
		return nil, err
	}

	wallet, device, err := s.deriver.DeriveWallet(mnemonic, len(state.Devices), len(state.Devices)+1, s.labeler)
	if err != nil {
		return nil, err
	}
	if err := hdwallet.CheckDuplicate(state.Devices, *device); err != nil {
		log.Info().Str("root_address", device.RootAddress).Msg("Rejected duplicate wallet import")
		return nil, err
	}

	state.Devices = append(state.Devices, *device)
	state.Wallets[strings.ToLower(device.RootAddress)] = *wallet

	if created {
		if err := s.keys.SetKeys(ctx, keys, creds.Mode, creds.PIN); err != nil {
			return nil, fmt.Errorf("failed to store encryption keys: %w", err)
		}
	}
	if err := s.state.Save(ctx, master, state); err != nil {
		// A new key without the state it guards would orphan the next import
		if created {
			if derr := s.keys.DeleteKeys(ctx); derr != nil {
				log.Error().Err(derr).Msg("Failed to remove encryption keys after state save failure")
			}
		}
		return nil, err
	}

	if err := s.unlockCache(keys); err != nil {
		log.Warn().Err(err).Msg("Failed to unlock cache store")
	}

	log.Info().
		Str("alias", device.Alias).
		Str("root_address", device.RootAddress).
		Int("index", device.Index).
		Msg("Wallet onboarded")
	return device, nil
}

// Devices returns the onboarded devices.
func (s *Service) Devices(ctx context.Context, pin string) ([]hdwallet.Device, error) {
	keys, err := s.keys.Unlock(ctx, pin)
	if err != nil {
		return nil, err
	}
	master, err := keys.MasterKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keymanager.ErrInvalidKeys, err)
	}
	defer symmetric.Zero(master)

	state, err := s.state.Load(ctx, master)
	if err != nil {
		return nil, err
	}
	if err := s.unlockCache(keys); err != nil {
		log.Warn().Err(err).Msg("Failed to unlock cache store")
	}
	return state.Devices, nil
}

// Reset removes the master key, the main state and the cache.
func (s *Service) Reset(ctx context.Context) error {
	var errs []error
	if err := s.keys.DeleteKeys(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.keys.DeleteSlot(ctx, keymanager.BackupSlot); err != nil {
		errs = append(errs, err)
	}
	if err := s.state.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if err := s.cache.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// masterKeys unlocks the existing key or generates a new one. created
// reports the latter; the new key is not persisted yet.
func (s *Service) masterKeys(ctx context.Context, creds Credentials) (keymanager.EncryptionKeys, bool, error) {
	keys, err := s.keys.Unlock(ctx, creds.PIN)
	if err == nil {
		return keys, false, nil
	}
	if !errors.Is(err, keymanager.ErrNoKeyFound) {
		return keymanager.EncryptionKeys{}, false, err
	}

	switch creds.Mode {
	case keymanager.SecuritySecret:
		if creds.PIN == "" {
			return keymanager.EncryptionKeys{}, false, keymanager.ErrMissingPin
		}
		if err := s.keys.ValidatePinFormat(creds.PIN); err != nil {
			return keymanager.EncryptionKeys{}, false, err
		}
	case keymanager.SecurityBiometric:
	default:
		return keymanager.EncryptionKeys{}, false, fmt.Errorf("%w: %q", keymanager.ErrInvalidSecurityType, creds.Mode)
	}

	keys, err = keymanager.GenerateEncryptionKeys()
	if err != nil {
		return keymanager.EncryptionKeys{}, false, err
	}
	return keys, true, nil
}

func (s *Service) unlockCache(keys keymanager.EncryptionKeys) error {
	if s.cache == nil {
		return nil
	}
	storageKey, err := keys.StorageKeyBytes()
	if err != nil {
		return err
	}
	defer symmetric.Zero(storageKey)
	return s.cache.Unlock(storageKey)
}
