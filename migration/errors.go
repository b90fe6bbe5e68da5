package migration

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse class of a migration failure reported to the
// control plane.
type ErrorKind uint32

const (
	// InvalidConfig is a malformed request parameter.
	InvalidConfig ErrorKind = iota + 1
	// InvalidState is an operation the status machine does not allow now.
	InvalidState
	// VersionIncompatible is a descriptor mismatch between both sides.
	VersionIncompatible
	// Corrupt is a payload whose length or shape violates its descriptor.
	Corrupt
	// Transport is an I/O failure or timeout on the stream.
	Transport
	// Io is a local filesystem failure.
	Io
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidConfig:
		return "InvalidConfig"
	case InvalidState:
		return "InvalidState"
	case VersionIncompatible:
		return "VersionIncompatible"
	case Corrupt:
		return "Corrupt"
	case Transport:
		return "Transport"
	case Io:
		return "Io"
	}

	return fmt.Sprintf("ErrorKind(%d)", uint32(k))
}

// Error is a classified migration error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError classifies err. An err that is already classified keeps its kind.
func newError(kind ErrorKind, op string, err error) error {
	var me *Error
	if errors.As(err, &me) {
		return err
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are reported as
// Transport, the class of the most common failure during a transfer.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}

	return Transport
}

// VersionError is raised when an incoming descriptor does not match the
// local descriptor of the same device.
type VersionError struct {
	Expected *DeviceStateDesc
	Received *DeviceStateDesc
	Reason   string
}

func (e *VersionError) Error() string {
	if e.Expected == nil {
		return fmt.Sprintf("device %q v%d: %s", e.Received.ID, e.Received.Version, e.Reason)
	}

	return fmt.Sprintf("device %q: %s (local v%d compat v%d, received v%d)",
		e.Expected.ID, e.Reason, e.Expected.Version, e.Expected.CompatVersion, e.Received.Version)
}

var (
	// ErrCanceled is returned by a transfer that stopped after cancel-migrate.
	ErrCanceled = errors.New("migration canceled")

	errBadMagic          = errors.New("bad stream magic")
	errUnexpectedMsg     = errors.New("unexpected message type")
	errPayloadLength     = errors.New("payload length does not match descriptor")
	errDuplicateDevice   = errors.New("device already registered")
	errUnknownDevice     = errors.New("device not registered")
	errCountMismatch     = errors.New("trailer count mismatch")
	errRecordTooLarge    = errors.New("record too large")
	errFieldOutOfRange   = errors.New("field out of range")
	errFieldWidth        = errors.New("field width mismatch")
	errNoSuchField       = errors.New("no such field")
	errEmptyDeviceID     = errors.New("empty device id")
	errOperationInFlight = errors.New("another migration operation is in flight")
	errCommitted         = errors.New("trailer already exchanged")
)
