package migration

import (
	"fmt"
	"sync"
)

// MigrationStatus is the state of the snapshot/migration engine.
//
//nolint:revive
type MigrationStatus uint32

const (
	None MigrationStatus = iota
	Setup
	Active
	Completed
	Failed
	Canceled
)

func (s MigrationStatus) String() string {
	switch s {
	case None:
		return "none"
	case Setup:
		return "setup"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}

	return fmt.Sprintf("unknown(%d)", uint32(s))
}

// CanTransitionTo reports whether s -> next is a legal edge.
func (s MigrationStatus) CanTransitionTo(next MigrationStatus) bool {
	switch next {
	case Failed:
		return true
	case Setup:
		return s == None || s == Completed || s == Failed || s == Canceled
	case Active:
		return s == Setup
	case Completed, Canceled:
		return s == Active
	case None:
	}

	return false
}

// StatusMachine holds the status of one VM. It does no I/O, so it can be
// queried from any goroutine without waiting for a transfer.
type StatusMachine struct {
	mu     sync.Mutex
	status MigrationStatus
}

// Status returns the current status.
func (m *StatusMachine) Status() MigrationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// Set moves to next, or fails with InvalidState if the edge is not legal.
func (m *StatusMachine) Set(next MigrationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.status.CanTransitionTo(next) {
		return &Error{
			Kind: InvalidState,
			Op:   "set status",
			Err:  fmt.Errorf("illegal transition %s -> %s", m.status, next),
		}
	}

	m.status = next

	return nil
}
