package migration

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// task is the goroutine running an outgoing migration.
type task struct {
	done chan struct{}
	err  error
}

// StartMigration claims the engine and streams the VM state to t on a new
// goroutine. It returns as soon as the operation is Active; a second
// request while one is in flight fails with InvalidState and closes t.
// The task owns t and closes it when done.
func (m *Manager) StartMigration(t Stream) error {
	logger, err := m.begin("migrate", t.String())
	if err != nil {
		t.Close()

		return err
	}

	if err := m.SetStatus(Active); err != nil {
		t.Close()

		return m.finish(logger, err)
	}

	tk := &task{done: make(chan struct{})}

	m.mu.Lock()
	m.task = tk
	m.mu.Unlock()

	go func() {
		defer close(tk.done)
		defer t.Close()

		tk.err = m.migrate(t, logger)
	}()

	return nil
}

// SendMigration is StartMigration followed by Wait.
func (m *Manager) SendMigration(t Stream) error {
	if err := m.StartMigration(t); err != nil {
		return err
	}

	return m.Wait()
}

// Wait blocks until the last started migration task has finished and
// returns its error.
func (m *Manager) Wait() error {
	m.mu.Lock()
	tk := m.task
	m.mu.Unlock()

	if tk == nil {
		return nil
	}

	<-tk.done

	return tk.err
}

func (m *Manager) migrate(t Stream, logger *log.Entry) error {
	err := m.send(t, logger)
	if err == nil {
		err = m.awaitVerdict(t)
	}

	m.mu.Lock()
	id := m.info.ID
	m.mu.Unlock()

	if err := m.finish(logger, err); err != nil {
		return err
	}

	if m.opts.OnMigrated != nil {
		m.opts.OnMigrated(id)
	}

	return nil
}

// awaitVerdict waits for the destination to accept or reject the stream.
func (m *Manager) awaitVerdict(t Stream) error {
	msg, payload, err := NewReceiver(t).Next()
	if err != nil {
		return newError(Transport, "wait for destination", err)
	}

	switch msg {
	case MsgReady:
		return nil
	case MsgError:
		return DecodeError(payload)
	default:
		return &Error{Kind: Corrupt, Op: "wait for destination", Err: fmt.Errorf("%w: %s", errUnexpectedMsg, msg)}
	}
}

// ReceiveMigration applies an incoming migration stream from t and answers
// the source with the outcome. It runs on the caller's goroutine and does
// not close t.
func (m *Manager) ReceiveMigration(t Stream) error {
	logger, err := m.begin("incoming", t.String())
	if err != nil {
		return err
	}

	if err := m.SetStatus(Active); err != nil {
		return m.finish(logger, err)
	}

	err = m.receive(t, logger)

	sender := NewSender(t)
	if err == nil {
		if serr := sender.SendReady(); serr != nil {
			err = newError(Transport, "send ready", serr)
		}
	} else if serr := sender.SendError(KindOf(err), err.Error()); serr != nil {
		logger.Warnf("migration: could not report failure to source: %v", serr)
	}

	return m.finish(logger, err)
}
