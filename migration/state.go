package migration

import (
	"encoding/binary"
	"fmt"
)

// stateOrder is the byte order of every fixed-width field in a device
// state record.
var stateOrder = binary.LittleEndian //nolint:gochecknoglobals

// State encodes or decodes one device state record field by field, keyed
// by the record's descriptor. The first error sticks; later calls are
// no-ops and Err reports it.
type State struct {
	desc *DeviceStateDesc
	buf  []byte
	err  error
}

// NewState returns a zeroed record for desc, ready for Put calls.
func NewState(desc *DeviceStateDesc) *State {
	return &State{desc: desc, buf: make([]byte, desc.Size())}
}

// ParseState wraps an encoded record. It fails with Corrupt when the
// length does not match the descriptor's encoded width.
func ParseState(desc *DeviceStateDesc, b []byte) (*State, error) {
	if len(b) != desc.Size() {
		return nil, &Error{
			Kind: Corrupt,
			Op:   "restore " + desc.ID,
			Err:  fmt.Errorf("%w: got %d want %d", errPayloadLength, len(b), desc.Size()),
		}
	}

	buf := make([]byte, len(b))
	copy(buf, b)

	return &State{desc: desc, buf: buf}, nil
}

// Err returns the first error hit by a Put or Get call.
func (s *State) Err() error { return s.err }

// Encode returns the record bytes, or the first error.
func (s *State) Encode() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	return s.buf, nil
}

func (s *State) field(name string, width uint32) []byte {
	if s.err != nil {
		return nil
	}

	f, ok := s.desc.Field(name)
	if !ok {
		s.err = fmt.Errorf("%s: %w %q", s.desc.ID, errNoSuchField, name)

		return nil
	}

	if width != 0 && f.Width != width {
		s.err = fmt.Errorf("%s.%s: %w: declared %d, used as %d", s.desc.ID, name, errFieldWidth, f.Width, width)

		return nil
	}

	end := int(f.Offset) + int(f.Width)
	if end > len(s.buf) {
		s.err = fmt.Errorf("%s.%s: %w", s.desc.ID, name, errFieldOutOfRange)

		return nil
	}

	return s.buf[f.Offset:end]
}

func (s *State) PutUint8(name string, v uint8) {
	if b := s.field(name, 1); b != nil {
		b[0] = v
	}
}

func (s *State) PutUint16(name string, v uint16) {
	if b := s.field(name, 2); b != nil {
		stateOrder.PutUint16(b, v)
	}
}

func (s *State) PutUint32(name string, v uint32) {
	if b := s.field(name, 4); b != nil {
		stateOrder.PutUint32(b, v)
	}
}

func (s *State) PutUint64(name string, v uint64) {
	if b := s.field(name, 8); b != nil {
		stateOrder.PutUint64(b, v)
	}
}

func (s *State) PutBool(name string, v bool) {
	var b uint8
	if v {
		b = 1
	}

	s.PutUint8(name, b)
}

// PutBytes copies v into a field of any width; v must fill it exactly.
func (s *State) PutBytes(name string, v []byte) {
	b := s.field(name, uint32(len(v)))
	if b != nil {
		copy(b, v)
	}
}

func (s *State) Uint8(name string) uint8 {
	if b := s.field(name, 1); b != nil {
		return b[0]
	}

	return 0
}

func (s *State) Uint16(name string) uint16 {
	if b := s.field(name, 2); b != nil {
		return stateOrder.Uint16(b)
	}

	return 0
}

func (s *State) Uint32(name string) uint32 {
	if b := s.field(name, 4); b != nil {
		return stateOrder.Uint32(b)
	}

	return 0
}

func (s *State) Uint64(name string) uint64 {
	if b := s.field(name, 8); b != nil {
		return stateOrder.Uint64(b)
	}

	return 0
}

func (s *State) Bool(name string) bool {
	return s.Uint8(name) != 0
}

// Bytes returns a copy of a field of any width.
func (s *State) Bytes(name string) []byte {
	b := s.field(name, 0)
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
