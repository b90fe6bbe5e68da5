package device

import "errors"

var (
	errDataLenInvalid = errors.New("invalid data size on port")
	errPortConflict   = errors.New("io port range already claimed")
	errNotAttached    = errors.New("device not attached")
)

// IODevice describes the interface a IO-Port device must implement regardless of the
// bus it is attached to.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}
