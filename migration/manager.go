package migration

// The Manager owns the device registry and the status of one VM, and runs
// at most one snapshot or migration operation at a time.
//
// Operation lifecycle:
//  1. begin: None/Completed/Failed/Canceled -> Setup (fails while another
//     operation is in Setup or Active).
//  2. Setup -> Active once the transport is ready.
//  3. finish: Active -> Completed, or recovery followed by -> Failed.
//     A canceled operation runs recovery and stays Canceled. Cancel is
//     refused once the trailer has been sent or received.

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Options configures a Manager.
type Options struct {
	// Memory is the guest physical memory. Nil transfers device state only.
	Memory GuestMemory
	// Registry is the device registry. Nil creates an empty one.
	Registry *Registry
	// DeviceLock is the device-model lock that serializes device
	// attach/detach against a transfer walking the registry.
	DeviceLock sync.Locker
	// MaxBlockSize bounds one memory block. Zero uses DefaultMaxBlockSize;
	// values above MaxBlockSizeLimit are clamped.
	MaxBlockSize uint64
	Logger       *log.Entry
	Metrics      *Collector
	// OnMigrated is called after a successful outgoing migration. The
	// source VM is expected to stop; the Manager does not stop it.
	OnMigrated func(id string)
}

// Info is what query-migrate reports.
type Info struct {
	Status   MigrationStatus
	ID       string
	Op       string
	Target   string
	Bytes    uint64
	Started  time.Time
	Finished time.Time
	Err      string
}

// Manager drives snapshots and migrations of one VM. Create it at VM start
// and Close it at VM teardown.
type Manager struct {
	opts     Options
	registry *Registry
	status   StatusMachine
	logger   *log.Entry
	progress atomic.Uint64

	// mu guards info, task and committed. It is taken before the status
	// lock, never after.
	mu        sync.Mutex
	info      Info
	task      *task
	committed bool
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

func NewManager(opts Options) *Manager {
	if opts.DeviceLock == nil {
		opts.DeviceLock = noopLocker{}
	}

	opts.MaxBlockSize = blockSize(opts.MaxBlockSize)

	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}

	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}

	return &Manager{
		opts:     opts,
		registry: opts.Registry,
		logger:   opts.Logger,
	}
}

// Registry returns the device registry. Callers mutate it only while
// holding the device-model lock.
func (m *Manager) Registry() *Registry { return m.registry }

// Status is a non-blocking read of the current status.
func (m *Manager) Status() MigrationStatus { return m.status.Status() }

// SetStatus applies a checked status transition.
func (m *Manager) SetStatus(s MigrationStatus) error {
	if err := m.status.Set(s); err != nil {
		return err
	}

	m.opts.Metrics.observeStatus(s)

	return nil
}

// Query reports the status and the last operation. It never blocks on a
// transfer.
func (m *Manager) Query() Info {
	status := m.status.Status()

	m.mu.Lock()
	info := m.info
	m.mu.Unlock()

	info.Status = status
	if info.Finished.IsZero() && info.ID != "" {
		info.Bytes = m.progress.Load()
	}

	return info
}

// Cancel asks the running operation to stop. It only succeeds while the
// status is Active and the trailer has not been sent or received; the
// transfer notices at its next record boundary.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.committed {
		return &Error{Kind: InvalidState, Op: "cancel", Err: errCommitted}
	}

	if err := m.SetStatus(Canceled); err != nil {
		return err
	}

	m.logger.Infof("migration: cancel requested")

	return nil
}

// Recover resumes every registered device. It is idempotent and does not
// need to know which devices were actually quiesced.
func (m *Manager) Recover() error {
	m.opts.DeviceLock.Lock()
	defer m.opts.DeviceLock.Unlock()

	var result *multierror.Error

	for _, e := range m.registry.Entries() {
		if err := e.Hook.Resume(); err != nil {
			result = multierror.Append(result, fmt.Errorf("resume %s: %w", e.ID, err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		m.logger.Warnf("migration: recovery incomplete: %v", err)

		return err
	}

	return nil
}

// Close stops any running operation, waits for it and resumes all devices.
func (m *Manager) Close() error {
	if m.status.Status() == Active {
		_ = m.Cancel()
	}

	_ = m.Wait()

	return m.Recover()
}

// begin claims the engine for a new operation.
func (m *Manager) begin(op, target string) (*log.Entry, error) {
	if err := m.SetStatus(Setup); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, errOperationInFlight, err)
	}

	id := uuid.NewString()

	m.progress.Store(0)

	m.mu.Lock()
	m.info = Info{ID: id, Op: op, Target: target, Started: time.Now()}
	m.committed = false
	m.mu.Unlock()

	logger := m.logger.WithFields(log.Fields{"op": op, "id": id})
	logger.Infof("migration: %s to %s started", op, target)

	return logger, nil
}

// finish settles the status after an operation that passed begin.
func (m *Manager) finish(logger *log.Entry, err error) error {
	m.mu.Lock()
	started, op := m.info.Started, m.info.Op
	m.mu.Unlock()

	elapsed := time.Since(started)

	if err == nil {
		// Fails only when cancel-migrate won the race for the last record.
		if serr := m.SetStatus(Completed); serr != nil {
			err = ErrCanceled
		}
	}

	if err != nil {
		_ = m.Recover()

		switch {
		case errors.Is(err, ErrCanceled):
		case m.canceled():
			err = fmt.Errorf("%w: %w", ErrCanceled, err)
		default:
			_ = m.SetStatus(Failed)
		}
	}

	m.mu.Lock()
	m.info.Finished = time.Now()
	m.info.Bytes = m.progress.Load()

	if err != nil {
		m.info.Err = err.Error()
	}
	m.mu.Unlock()

	m.opts.Metrics.observeDone(op, err, elapsed)

	if err != nil {
		logger.Errorf("migration: %s failed after %s: %v", op, elapsed.Round(time.Millisecond), err)

		return err
	}

	logger.Infof("migration: %s completed in %s", op, elapsed.Round(time.Millisecond))

	return nil
}

// commit marks the point after which the operation can no longer be
// canceled: the source is about to send the trailer, or the destination
// has received it.
func (m *Manager) commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.canceled() {
		return ErrCanceled
	}

	m.committed = true

	return nil
}

// canceled reports whether cancel-migrate was requested.
func (m *Manager) canceled() bool {
	return m.status.Status() == Canceled
}
