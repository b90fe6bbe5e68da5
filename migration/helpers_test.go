package migration_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/bobuhiro11/gokvm-migration/migration"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeDevice is a migratable device with a counter and a mode byte. Poke
// models guest I/O and fails while the device is quiesced.
type fakeDevice struct {
	mu       sync.Mutex
	desc     *migration.DeviceStateDesc
	counter  uint64
	mode     uint8
	quiesced bool

	captureErr error
	restoreErr error
	restores   int
}

var errQuiesced = errors.New("device quiesced")

func fakeDesc(id string, version uint32) *migration.DeviceStateDesc {
	return migration.NewDeviceStateDesc(id, version, migration.Pack(
		migration.FieldDesc{Name: "counter", Width: 8},
		migration.FieldDesc{Name: "mode", Width: 1},
	))
}

func newFakeDevice(id string, counter uint64, mode uint8) *fakeDevice {
	return &fakeDevice{desc: fakeDesc(id, 1), counter: counter, mode: mode}
}

func (d *fakeDevice) Descriptor() *migration.DeviceStateDesc { return d.desc }

func (d *fakeDevice) Capture() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.captureErr != nil {
		return nil, d.captureErr
	}

	s := migration.NewState(d.desc)
	s.PutUint64("counter", d.counter)
	s.PutUint8("mode", d.mode)

	return s.Encode()
}

func (d *fakeDevice) Restore(state []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.restores++

	if d.restoreErr != nil {
		return d.restoreErr
	}

	s, err := migration.ParseState(d.desc, state)
	if err != nil {
		return err
	}

	counter, mode := s.Uint64("counter"), s.Uint8("mode")
	if err := s.Err(); err != nil {
		return err
	}

	d.counter, d.mode = counter, mode

	return nil
}

func (d *fakeDevice) Quiesce() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.quiesced = true

	return nil
}

func (d *fakeDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.quiesced = false

	return nil
}

func (d *fakeDevice) Poke() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.quiesced {
		return errQuiesced
	}

	d.counter++

	return nil
}

func (d *fakeDevice) values() (uint64, uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.counter, d.mode
}

// sliceMemory is guest memory made of plain byte slices.
type sliceMemory struct {
	bases []uint64
	bufs  [][]byte
}

func newSliceMemory(ranges ...migration.Range) *sliceMemory {
	m := &sliceMemory{}

	for _, r := range ranges {
		m.bases = append(m.bases, r.Base)
		m.bufs = append(m.bufs, make([]byte, r.Size))
	}

	return m
}

func (m *sliceMemory) Ranges() []migration.Range {
	out := make([]migration.Range, len(m.bases))
	for i := range m.bases {
		out[i] = migration.Range{Base: m.bases[i], Size: uint64(len(m.bufs[i]))}
	}

	return out
}

func (m *sliceMemory) slice(gpa uint64, n int) ([]byte, error) {
	for i, base := range m.bases {
		if gpa >= base && gpa+uint64(n) <= base+uint64(len(m.bufs[i])) {
			return m.bufs[i][gpa-base : gpa-base+uint64(n)], nil
		}
	}

	return nil, fmt.Errorf("gpa %#x+%#x not backed", gpa, n)
}

func (m *sliceMemory) ReadAt(p []byte, gpa uint64) (int, error) {
	b, err := m.slice(gpa, len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

func (m *sliceMemory) WriteAt(p []byte, gpa uint64) (int, error) {
	b, err := m.slice(gpa, len(p))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

// fill writes a position dependent pattern into every range.
func (m *sliceMemory) fill(seed byte) {
	for _, buf := range m.bufs {
		for i := range buf {
			buf[i] = byte(i) ^ seed
		}
	}
}

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)

	return log.NewEntry(l)
}

func newManager(t *testing.T, mem migration.GuestMemory, devs ...*fakeDevice) *migration.Manager {
	t.Helper()

	var lock sync.RWMutex

	m := migration.NewManager(migration.Options{
		Memory:     mem,
		DeviceLock: &lock,
		Logger:     quietLogger(),
	})

	for _, d := range devs {
		require.NoError(t, m.Registry().Register(d))
	}

	return m
}

func requireKind(t *testing.T, err error, kind migration.ErrorKind) {
	t.Helper()

	require.Error(t, err)
	require.Equal(t, kind, migration.KindOf(err), "error: %v", err)
}

// gateTransport blocks the first Write until release is closed.
type gateTransport struct {
	release chan struct{}
	once    sync.Once
	closed  chan struct{}
}

func newGateTransport() *gateTransport {
	return &gateTransport{release: make(chan struct{}), closed: make(chan struct{})}
}

func (g *gateTransport) Read([]byte) (int, error) { return 0, io.EOF }

func (g *gateTransport) Write(p []byte) (int, error) {
	<-g.release

	return len(p), nil
}

func (g *gateTransport) Close() error {
	g.once.Do(func() { close(g.closed) })

	return nil
}

func (g *gateTransport) String() string { return "gate" }

// limitTransport accepts limit bytes and then fails every write.
type limitTransport struct {
	limit int
}

var errLinkDown = errors.New("link down")

func (l *limitTransport) Read([]byte) (int, error) { return 0, io.EOF }

func (l *limitTransport) Write(p []byte) (int, error) {
	if len(p) > l.limit {
		n := l.limit
		l.limit = 0

		return n, errLinkDown
	}

	l.limit -= len(p)

	return len(p), nil
}

func (l *limitTransport) Close() error { return nil }

func (l *limitTransport) String() string { return "limit" }

// frameRecorder is a write-only stream that splits what it receives into
// frames and reports each one to onFrame as soon as it is complete.
type frameRecorder struct {
	mu      sync.Mutex
	buf     []byte
	header  bool
	frames  []migration.MsgType
	onFrame func(migration.MsgType)
}

func (r *frameRecorder) Read([]byte) (int, error) { return 0, io.EOF }

func (r *frameRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.buf = append(r.buf, p...)

	if !r.header && len(r.buf) >= 8 {
		r.buf = r.buf[8:]
		r.header = true
	}

	var done []migration.MsgType

	for r.header && len(r.buf) >= 12 {
		length := binary.BigEndian.Uint64(r.buf[4:12])
		if uint64(len(r.buf)) < 12+length {
			break
		}

		msg := migration.MsgType(binary.BigEndian.Uint32(r.buf[0:4]))
		r.buf = r.buf[12+length:]
		r.frames = append(r.frames, msg)
		done = append(done, msg)
	}
	r.mu.Unlock()

	for _, msg := range done {
		if r.onFrame != nil {
			r.onFrame(msg)
		}
	}

	return len(p), nil
}

func (r *frameRecorder) Close() error { return nil }

func (r *frameRecorder) String() string { return "recorder" }

func (r *frameRecorder) recorded() []migration.MsgType {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]migration.MsgType(nil), r.frames...)
}
