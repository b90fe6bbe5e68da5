package migration

// The transfer protocol is shared by snapshots and migration.
//
// Sending side:
//  1. Header (magic + protocol version).
//  2. For each registry entry in order: quiesce, capture, resume, send the
//     descriptor and the record.
//  3. Guest memory as MemBlock records, ascending by guest address.
//  4. End trailer with the record counts. From here on the operation can
//     no longer be canceled.
//
// Receiving side mirrors it: device records are validated and staged, and
// only applied once all of them were accepted, so a descriptor mismatch
// leaves local device state untouched.

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// progressWriter counts stream bytes for query-migrate.
type progressWriter struct {
	w io.Writer
	m *Manager
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.m.progress.Add(uint64(n))

	return n, err
}

type progressReader struct {
	r io.Reader
	m *Manager
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.m.progress.Add(uint64(n))

	return n, err
}

// memChunk is one block read from guest memory, waiting to be written.
type memChunk struct {
	block MemBlock
	data  []byte
}

// send runs the sending side of the transfer protocol on t.
func (m *Manager) send(t Stream, logger *log.Entry) error {
	s := NewSender(&progressWriter{w: t, m: m})

	if err := s.SendHeader(); err != nil {
		return newError(Transport, "send header", err)
	}

	devices, err := m.sendDevices(s, logger)
	if err != nil {
		return err
	}

	blocks, err := m.sendMemory(s, logger)
	if err != nil {
		return err
	}

	if err := m.commit(); err != nil {
		return err
	}

	if err := s.SendEnd(devices, blocks); err != nil {
		return newError(Transport, "send end", err)
	}

	logger.Infof("migration: sent %d devices, %d memory blocks, %s total",
		devices, blocks, humanize.IBytes(s.Written()))

	return nil
}

func (m *Manager) sendDevices(s *Sender, logger *log.Entry) (uint32, error) {
	m.opts.DeviceLock.Lock()
	defer m.opts.DeviceLock.Unlock()

	var count uint32

	for _, e := range m.registry.Entries() {
		if m.canceled() {
			return count, ErrCanceled
		}

		start := time.Now()

		state, err := captureQuiesced(e.Hook)
		if err != nil {
			return count, newError(Corrupt, "capture "+e.ID, err)
		}

		m.opts.Metrics.observeQuiesce(time.Since(start))

		if len(state) != e.Desc.Size() {
			return count, &Error{
				Kind: Corrupt,
				Op:   "capture " + e.ID,
				Err:  fmt.Errorf("%w: got %d want %d", errPayloadLength, len(state), e.Desc.Size()),
			}
		}

		if err := s.SendDevice(e.Desc, state); err != nil {
			return count, newError(Transport, "send "+e.ID, err)
		}

		m.opts.Metrics.observeBytes("device", len(state))
		logger.Debugf("migration: device %s v%d captured (%d bytes)", e.ID, e.Desc.Version, len(state))

		count++
	}

	return count, nil
}

// sendMemory streams guest memory. Reading the next block from guest memory
// overlaps with writing the current one.
func (m *Manager) sendMemory(s *Sender, logger *log.Entry) (uint64, error) {
	if m.opts.Memory == nil {
		return 0, nil
	}

	enum := NewEnumerator(m.opts.Memory, m.opts.MaxBlockSize)
	logger.Infof("migration: sending guest memory (%s)", humanize.IBytes(enum.Total()))

	chunks := make(chan memChunk, 1)
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		defer close(chunks)

		for {
			b, ok := enum.Next()
			if !ok {
				return nil
			}

			if m.canceled() {
				return ErrCanceled
			}

			data := make([]byte, b.Length)
			if _, err := m.opts.Memory.ReadAt(data, b.Base); err != nil {
				return newError(Corrupt, fmt.Sprintf("read guest memory %#x", b.Base), err)
			}

			select {
			case chunks <- memChunk{block: b, data: data}:
			case <-ctx.Done():
				return nil
			}
		}
	})

	var blocks uint64

	g.Go(func() error {
		for c := range chunks {
			if m.canceled() {
				return ErrCanceled
			}

			if err := s.SendMemBlock(c.block, c.data); err != nil {
				return newError(Transport, "send memory", err)
			}

			m.opts.Metrics.observeBytes("memory", len(c.data))

			blocks++
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return blocks, err
	}

	return blocks, nil
}

// staged is an accepted device record waiting to be applied.
type staged struct {
	entry Entry
	state []byte
}

// receive runs the receiving side of the transfer protocol on t.
func (m *Manager) receive(t Stream, logger *log.Entry) error {
	r := NewReceiver(&progressReader{r: t, m: m})

	version, err := r.ReadHeader()
	if err != nil {
		return newError(Transport, "receive header", err)
	}

	if version != ProtocolVersion {
		return &Error{
			Kind: VersionIncompatible,
			Op:   "receive header",
			Err:  fmt.Errorf("protocol version %d, want %d", version, ProtocolVersion),
		}
	}

	m.opts.DeviceLock.Lock()
	locked := true

	defer func() {
		if locked {
			m.opts.DeviceLock.Unlock()
		}
	}()

	var (
		pending []staged
		applied bool
		blocks  uint64
	)

	apply := func() error {
		applied = true
		err := m.applyDevices(pending, logger)

		m.opts.DeviceLock.Unlock()
		locked = false

		return err
	}

	for {
		if m.canceled() {
			return ErrCanceled
		}

		msg, payload, err := r.Next()
		if err != nil {
			return newError(Transport, "receive", err)
		}

		switch msg {
		case MsgDevice:
			if applied {
				return &Error{Kind: Corrupt, Op: "receive", Err: fmt.Errorf("%w: device record after memory", errUnexpectedMsg)}
			}

			s, err := m.stage(payload, pending)
			if err != nil {
				return err
			}

			pending = append(pending, s)

		case MsgMemBlock:
			if !applied {
				if err := apply(); err != nil {
					return err
				}
			}

			if err := m.applyMemBlock(payload); err != nil {
				return err
			}

			blocks++

		case MsgEnd:
			if err := m.commit(); err != nil {
				return err
			}

			if !applied {
				if err := apply(); err != nil {
					return err
				}
			}

			devices, wantBlocks, err := DecodeEnd(payload)
			if err != nil {
				return err
			}

			if devices != uint32(len(pending)) || wantBlocks != blocks {
				return &Error{
					Kind: Corrupt,
					Op:   "receive end",
					Err: fmt.Errorf("%w: got %d devices %d blocks, trailer says %d and %d",
						errCountMismatch, len(pending), blocks, devices, wantBlocks),
				}
			}

			logger.Infof("migration: received %d devices, %d memory blocks, %s total",
				devices, blocks, humanize.IBytes(r.Read()))

			return nil

		default:
			return &Error{Kind: Corrupt, Op: "receive", Err: fmt.Errorf("%w: %s", errUnexpectedMsg, msg)}
		}
	}
}

// stage validates one incoming device record against the local registry.
// Devices are matched by the id embedded in the descriptor, not by
// position.
func (m *Manager) stage(payload []byte, pending []staged) (staged, error) {
	desc, state, err := DecodeDevice(payload)
	if err != nil {
		return staged{}, err
	}

	for _, p := range pending {
		if p.entry.ID == desc.ID {
			return staged{}, &Error{Kind: Corrupt, Op: "receive", Err: fmt.Errorf("%w: %q sent twice", errDuplicateDevice, desc.ID)}
		}
	}

	e, err := m.registry.Validate(desc)
	if err != nil {
		return staged{}, err
	}

	if len(state) != e.Desc.Size() {
		return staged{}, &Error{
			Kind: Corrupt,
			Op:   "receive " + desc.ID,
			Err:  fmt.Errorf("%w: got %d want %d", errPayloadLength, len(state), e.Desc.Size()),
		}
	}

	return staged{entry: e, state: state}, nil
}

// applyDevices restores all staged records. If one fails, the devices
// restored before it get their previous state back.
func (m *Manager) applyDevices(pending []staged, logger *log.Entry) error {
	if missing := m.registry.Len() - len(pending); missing > 0 {
		logger.Warnf("migration: %d local devices had no record in the stream", missing)
	}

	backups := make([][]byte, 0, len(pending))

	for i, p := range pending {
		prev, err := captureQuiesced(p.entry.Hook)
		if err != nil {
			m.rollback(pending[:i], backups, logger)

			return newError(Corrupt, "backup "+p.entry.ID, err)
		}

		if err := restoreQuiesced(p.entry.Hook, p.state); err != nil {
			m.rollback(pending[:i], backups, logger)

			return newError(Corrupt, "restore "+p.entry.ID, err)
		}

		backups = append(backups, prev)
		m.opts.Metrics.observeBytes("device", len(p.state))
		logger.Debugf("migration: device %s v%d restored", p.entry.ID, p.entry.Desc.Version)
	}

	return nil
}

func (m *Manager) rollback(done []staged, backups [][]byte, logger *log.Entry) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := restoreQuiesced(done[i].entry.Hook, backups[i]); err != nil {
			logger.Errorf("migration: rollback of %s failed: %v", done[i].entry.ID, err)
		}
	}
}

func (m *Manager) applyMemBlock(payload []byte) error {
	base, data, err := DecodeMemBlock(payload)
	if err != nil {
		return err
	}

	if m.opts.Memory == nil {
		return &Error{Kind: Corrupt, Op: "receive memory", Err: fmt.Errorf("block %#x but no guest memory", base)}
	}

	if _, err := m.opts.Memory.WriteAt(data, base); err != nil {
		return newError(Corrupt, fmt.Sprintf("replay block %#x", base), err)
	}

	m.opts.Metrics.observeBytes("memory", len(data))

	return nil
}
