package upgrade

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
)

// State is the position of an upgrade attempt in the two-slot commit.
type State string

const (
	StateIdle       State = "IDLE"        // nothing written yet
	StateBackedUp   State = "BACKED_UP"   // backup durable, primary untouched
	StateCommitted  State = "COMMITTED"   // primary written under the new mode
	StateCleaned    State = "CLEANED"     // backup removed, attempt succeeded
	StateRolledBack State = "ROLLED_BACK" // primary restored under the old mode
	StateFailed     State = "FAILED"      // aborted before any destructive step
	StateCritical   State = "CRITICAL"    // restore failed, backup retained
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	switch s {
	case StateCleaned, StateRolledBack, StateFailed, StateCritical:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:      {StateBackedUp, StateFailed},
	StateBackedUp:  {StateCommitted, StateRolledBack, StateCritical, StateFailed},
	StateCommitted: {StateCleaned},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrUpgradeInProgress is returned when another attempt holds the coordinator
	ErrUpgradeInProgress = errors.New("security upgrade already in progress")

	// ErrCriticalUpgradeFailure marks the state where the master key could not
	// be restored after a failed upgrade. The backup slot is retained.
	ErrCriticalUpgradeFailure = errors.New("critical upgrade failure: master key could not be restored")

	ErrInvalidTarget          = errors.New("invalid upgrade target")
	ErrBiometricsUnavailable  = errors.New("strong biometrics are not enrolled on this device")
	ErrBackupVerification     = errors.New("backup could not be verified")
	ErrIllegalStateTransition = errors.New("illegal upgrade state transition")
)

// CriticalUpgradeError is returned when rollback fails. errors.Is matches
// ErrCriticalUpgradeFailure as well as both underlying causes.
type CriticalUpgradeError struct {
	AttemptID  string
	Cause      error // the failure that triggered rollback
	RestoreErr error // why rollback failed
}

func (e *CriticalUpgradeError) Error() string {
	return fmt.Sprintf("%v (attempt %s): upgrade failed with %v, restore failed with %v",
		ErrCriticalUpgradeFailure, e.AttemptID, e.Cause, e.RestoreErr)
}

func (e *CriticalUpgradeError) Unwrap() []error {
	return []error{ErrCriticalUpgradeFailure, e.Cause, e.RestoreErr}
}

// Result describes a finished attempt. Success=false with a nil error from
// Upgrade means the old protection mode is intact and the caller may retry.
type Result struct {
	AttemptID  string
	From       keymanager.SecurityLevelType
	To         keymanager.SecurityLevelType
	State      State
	Success    bool
	Err        error // cause of an unsuccessful attempt
	StartedAt  time.Time
	FinishedAt time.Time
}

// attempt tracks one run through the state machine.
type attempt struct {
	id      string
	state   State
	from    keymanager.SecurityLevelType
	to      keymanager.SecurityLevelType
	started time.Time
	observe func(id string, from, to State)
}

func (a *attempt) advance(to State) {
	if !canTransition(a.state, to) {
		// A coordinator bug; the slots are still consistent
		panic(fmt.Sprintf("%v: %s -> %s", ErrIllegalStateTransition, a.state, to))
	}
	prev := a.state
	a.state = to

	log.Debug().
		Str("attempt_id", a.id).
		Str("from", string(prev)).
		Str("to", string(to)).
		Msg("Upgrade state changed")

	if a.observe != nil {
		a.observe(a.id, prev, to)
	}
}

func (a *attempt) result(success bool, cause error) Result {
	return Result{
		AttemptID:  a.id,
		From:       a.from,
		To:         a.to,
		State:      a.state,
		Success:    success,
		Err:        cause,
		StartedAt:  a.started,
		FinishedAt: time.Now(),
	}
}
