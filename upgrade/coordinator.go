// Package upgrade migrates the master key between SECRET and BIOMETRIC
// protection using a backup slot, so that a failure at any step leaves the
// key recoverable under exactly one mode.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
	"github.com/mesmerverse/vettid-dev/walletcore/platform"
)

// Request asks to move the master key to TargetMode.
type Request struct {
	// CurrentPIN unlocks a SECRET blob. For a BIOMETRIC blob it may be
	// empty, in which case NewPIN protects the backup.
	CurrentPIN string
	TargetMode keymanager.SecurityLevelType
	// NewPIN is required when TargetMode is SECRET
	NewPIN string
}

// Coordinator serializes upgrades of one key manager.
type Coordinator struct {
	keys       *keymanager.Manager
	enrollment platform.EnrollmentQuery

	mu sync.Mutex // held for the whole attempt

	observeMu sync.Mutex
	observe   func(id string, from, to State)
}

// NewCoordinator creates a coordinator. enrollment may be nil to skip the
// biometric availability check.
func NewCoordinator(keys *keymanager.Manager, enrollment platform.EnrollmentQuery) *Coordinator {
	return &Coordinator{keys: keys, enrollment: enrollment}
}

// OnTransition registers a callback invoked on every state change. It is
// safe to call at any time; an attempt already running keeps the callback
// it started with.
func (c *Coordinator) OnTransition(fn func(id string, from, to State)) {
	c.observeMu.Lock()
	defer c.observeMu.Unlock()
	c.observe = fn
}

func (c *Coordinator) observer() func(id string, from, to State) {
	c.observeMu.Lock()
	defer c.observeMu.Unlock()
	return c.observe
}

// Upgrade runs the protocol. Ordinary failures return a Result with
// Success=false and a nil error; the old mode is then intact. A failed
// rollback returns a *CriticalUpgradeError. A concurrent call returns
// ErrUpgradeInProgress without touching storage.
//
// ctx is honored until the backup is written and verified. After the
// primary slot has been removed the attempt runs to commit or rollback.
func (c *Coordinator) Upgrade(ctx context.Context, req Request) (Result, error) {
	if !c.mu.TryLock() {
		return Result{}, ErrUpgradeInProgress
	}
	defer c.mu.Unlock()

	a := &attempt{
		id:      uuid.NewString(),
		state:   StateIdle,
		to:      req.TargetMode,
		started: time.Now(),
		observe: c.observer(),
	}
	logger := log.With().Str("attempt_id", a.id).Str("target", string(req.TargetMode)).Logger()

	if err := c.validate(ctx, req); err != nil {
		a.advance(StateFailed)
		return a.result(false, err), nil
	}

	// Step 1: current keys, no mutation on failure
	stored, err := c.keys.GetEncryptionKeys(ctx)
	if err != nil {
		a.advance(StateFailed)
		return a.result(false, err), nil
	}
	a.from = stored.Mode

	if a.from == keymanager.SecurityBiometric && req.TargetMode == keymanager.SecurityBiometric {
		a.advance(StateFailed)
		return a.result(false, fmt.Errorf("%w: key is already BIOMETRIC protected", ErrInvalidTarget)), nil
	}

	current, err := stored.Open(req.CurrentPIN)
	if err != nil {
		a.advance(StateFailed)
		return a.result(false, err), nil
	}

	backupPIN := req.CurrentPIN
	if a.from == keymanager.SecurityBiometric && backupPIN == "" {
		backupPIN = req.NewPIN
	}
	if backupPIN == "" {
		a.advance(StateFailed)
		return a.result(false, keymanager.ErrMissingPin), nil
	}

	if err := ctx.Err(); err != nil {
		a.advance(StateFailed)
		return a.result(false, err), nil
	}

	// Step 2: durable, verified backup under the current PIN
	if err := c.writeBackup(ctx, current, backupPIN); err != nil {
		c.discardBackup(logger)
		a.advance(StateFailed)
		return a.result(false, err), nil
	}
	a.advance(StateBackedUp)

	if err := ctx.Err(); err != nil {
		c.discardBackup(logger)
		a.advance(StateFailed)
		return a.result(false, err), nil
	}

	// No cancellation from here on
	ctx = context.WithoutCancel(ctx)

	// Steps 3 and 4
	if err := c.replacePrimary(ctx, current, req); err != nil {
		logger.Warn().Err(err).Msg("Upgrade failed after backup, rolling back")
		return c.rollback(ctx, a, logger, err, backupPIN, req.CurrentPIN)
	}
	a.advance(StateCommitted)

	// Step 5: commit point
	if err := c.keys.DeleteSlot(ctx, keymanager.BackupSlot); err != nil {
		// Primary is already correct; Recover removes the orphan at next start
		logger.Error().Err(err).Msg("Failed to delete backup after commit")
		if err := c.keys.DeleteSlot(ctx, keymanager.BackupSlot); err != nil {
			return a.result(true, nil), nil
		}
	}
	a.advance(StateCleaned)

	logger.Info().Str("from", string(a.from)).Msg("Security level upgraded")
	return a.result(true, nil), nil
}

func (c *Coordinator) validate(ctx context.Context, req Request) error {
	switch req.TargetMode {
	case keymanager.SecuritySecret:
		if req.NewPIN == "" {
			return keymanager.ErrMissingPin
		}
		if err := c.keys.ValidatePinFormat(req.NewPIN); err != nil {
			return err
		}
	case keymanager.SecurityBiometric:
		if c.enrollment == nil {
			return nil
		}
		level, err := c.enrollment.EnrollmentLevel(ctx)
		if err != nil {
			return fmt.Errorf("failed to query biometric enrollment: %w", err)
		}
		if !platform.BiometricsAvailable(level) {
			return ErrBiometricsUnavailable
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTarget, req.TargetMode)
	}
	return nil
}

func (c *Coordinator) writeBackup(ctx context.Context, keys keymanager.EncryptionKeys, pin string) error {
	if err := c.keys.WriteSlot(ctx, keymanager.BackupSlot, keys, keymanager.SecuritySecret, pin); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	stored, err := c.keys.ReadSlot(ctx, keymanager.BackupSlot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackupVerification, err)
	}
	got, err := stored.Open(pin)
	if err != nil || got != keys {
		return ErrBackupVerification
	}
	return nil
}

func (c *Coordinator) replacePrimary(ctx context.Context, keys keymanager.EncryptionKeys, req Request) error {
	if err := c.keys.DeleteSlot(ctx, keymanager.PrimarySlot); err != nil {
		return err
	}
	return c.keys.SetKeys(ctx, keys, req.TargetMode, req.NewPIN)
}

// rollback restores the primary slot under the attempt's original mode from
// the backup. The backup is only removed once the restore succeeded.
func (c *Coordinator) rollback(ctx context.Context, a *attempt, logger zerolog.Logger, cause error, backupPIN, currentPIN string) (Result, error) {
	if err := c.restorePrimary(ctx, a.from, backupPIN, currentPIN); err != nil {
		a.advance(StateCritical)
		logger.Error().
			Err(err).
			AnErr("cause", cause).
			Str("from", string(a.from)).
			Msg("CRITICAL: master key restore failed, backup retained")
		return a.result(false, cause), &CriticalUpgradeError{AttemptID: a.id, Cause: cause, RestoreErr: err}
	}

	if err := c.keys.DeleteSlot(ctx, keymanager.BackupSlot); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete backup after rollback")
	}
	a.advance(StateRolledBack)

	logger.Info().Str("mode", string(a.from)).Msg("Upgrade rolled back, previous security level intact")
	return a.result(false, cause), nil
}

func (c *Coordinator) restorePrimary(ctx context.Context, from keymanager.SecurityLevelType, backupPIN, currentPIN string) error {
	if from == keymanager.SecuritySecret && backupPIN == currentPIN {
		// The backup is byte-for-byte a valid SECRET primary
		_, err := c.keys.CopySlot(ctx, keymanager.BackupSlot, keymanager.PrimarySlot)
		return err
	}

	stored, err := c.keys.ReadSlot(ctx, keymanager.BackupSlot)
	if err != nil {
		return err
	}
	keys, err := stored.Open(backupPIN)
	if err != nil {
		return err
	}
	return c.keys.SetKeys(ctx, keys, from, currentPIN)
}

func (c *Coordinator) discardBackup(logger zerolog.Logger) {
	if err := c.keys.DeleteSlot(context.Background(), keymanager.BackupSlot); err != nil {
		logger.Warn().Err(err).Msg("Failed to discard backup")
	}
}

// Recover resolves a backup left by an interrupted attempt and returns the
// mode now protecting the master key. With the primary present the backup
// is stale and removed; with the primary missing the backup is copied into
// place first. No PIN or biometric challenge is needed.
func (c *Coordinator) Recover(ctx context.Context) (keymanager.SecurityLevelType, error) {
	if !c.mu.TryLock() {
		return keymanager.SecurityNone, ErrUpgradeInProgress
	}
	defer c.mu.Unlock()

	hasBackup, err := c.keys.SlotExists(ctx, keymanager.BackupSlot)
	if err != nil {
		return keymanager.SecurityNone, err
	}
	if !hasBackup {
		level, err := c.keys.SecurityLevel(ctx)
		if errors.Is(err, keymanager.ErrNoKeyFound) {
			return keymanager.SecurityNone, nil
		}
		return level, err
	}

	hasPrimary, err := c.keys.SlotExists(ctx, keymanager.PrimarySlot)
	if err != nil {
		return keymanager.SecurityNone, err
	}

	if !hasPrimary {
		log.Warn().Msg("Primary key slot missing with backup present, restoring from backup")
		if _, err := c.keys.CopySlot(ctx, keymanager.BackupSlot, keymanager.PrimarySlot); err != nil {
			log.Error().Err(err).Msg("CRITICAL: failed to restore primary key slot from backup")
			return keymanager.SecurityNone, &CriticalUpgradeError{AttemptID: "recovery", Cause: keymanager.ErrNoKeyFound, RestoreErr: err}
		}
	} else {
		log.Info().Msg("Removing stale key backup from interrupted upgrade")
	}

	if err := c.keys.DeleteSlot(ctx, keymanager.BackupSlot); err != nil {
		return keymanager.SecurityNone, err
	}
	return c.keys.SecurityLevel(ctx)
}
