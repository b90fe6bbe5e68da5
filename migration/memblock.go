package migration

import (
	"sort"
)

const (
	// DefaultMaxBlockSize bounds the payload of one memory block frame.
	DefaultMaxBlockSize = 1 << 20
	// MaxBlockSizeLimit is the largest block a receiver accepts.
	MaxBlockSizeLimit = maxFrameSize - memBlockHdrSize
)

// Range is a guest-physical range backed by host memory.
type Range struct {
	Base uint64
	Size uint64
}

// GuestMemory is the guest physical address space as seen by the engine.
type GuestMemory interface {
	// Ranges lists the backed ranges. They must not overlap.
	Ranges() []Range
	ReadAt(p []byte, gpa uint64) (int, error)
	WriteAt(p []byte, gpa uint64) (int, error)
}

// MemBlock is one contiguous piece of guest memory in a transfer.
type MemBlock struct {
	Base   uint64
	Length uint64
	// Offset is the position of this block's data among all memory data
	// written so far in the stream.
	Offset uint64
}

// Enumerator walks guest memory in ascending guest-physical order. It is
// single use; create a new one for every operation.
type Enumerator struct {
	ranges   []Range
	maxBlock uint64
	cur      int
	pos      uint64
	offset   uint64
}

// NewEnumerator snapshots the range list of mem. A maxBlock of zero uses
// DefaultMaxBlockSize; one above MaxBlockSizeLimit is clamped to it.
func NewEnumerator(mem GuestMemory, maxBlock uint64) *Enumerator {
	maxBlock = blockSize(maxBlock)

	ranges := append([]Range(nil), mem.Ranges()...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Base < ranges[j].Base })

	return &Enumerator{ranges: ranges, maxBlock: maxBlock}
}

// Next returns the next block, or false when all memory is covered.
func (e *Enumerator) Next() (MemBlock, bool) {
	for e.cur < len(e.ranges) && e.pos >= e.ranges[e.cur].Size {
		e.cur++
		e.pos = 0
	}

	if e.cur >= len(e.ranges) {
		return MemBlock{}, false
	}

	r := e.ranges[e.cur]

	n := r.Size - e.pos
	if n > e.maxBlock {
		n = e.maxBlock
	}

	b := MemBlock{Base: r.Base + e.pos, Length: n, Offset: e.offset}

	e.pos += n
	e.offset += n

	return b, true
}

// Total is the number of bytes the enumerator covers.
func (e *Enumerator) Total() uint64 {
	var total uint64

	for _, r := range e.ranges {
		total += r.Size
	}

	return total
}

func blockSize(n uint64) uint64 {
	switch {
	case n == 0:
		return DefaultMaxBlockSize
	case n > MaxBlockSizeLimit:
		return MaxBlockSizeLimit
	}

	return n
}
