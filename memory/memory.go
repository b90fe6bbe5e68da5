package memory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bobuhiro11/gokvm-migration/migration"
	"golang.org/x/sys/unix"
)

var (
	errNoSlotsAvail = errors.New("maximal numbers of slots exhausted")
	errSlotNotFound = errors.New("unable to find MemorySlot")
	errOutOfRange   = errors.New("guest address not backed by memory")
)

const (
	// DefaultMaxSlots matches the slot count KVM reports on current hosts.
	DefaultMaxSlots = 32

	// PhysAddrSpaceSize is the guest-physical address space slots live in.
	PhysAddrSpaceSize = 1 << 46
)

// Memory is the guest physical memory of one VM: a set of host-backed slots.
type Memory struct {
	Slots    []*MemorySlot
	MaxSlots uint32
	as       *AddressSpace
}

// MemorySlot is one contiguous guest-physical range backed by an anonymous
// host mapping.
type MemorySlot struct {
	Addr  uint64
	Size  int
	Slot  uint8
	Flags uint32
	AS    *AddressSpace
	Buf   []byte
}

// New returns memory with a single RAM slot of ramsize bytes at address 0.
func New(ramsize int) (*Memory, error) {
	mgnt := &Memory{
		MaxSlots: DefaultMaxSlots,
		as:       NewAddressSpace("phys", 0, PhysAddrSpaceSize),
	}

	if ramsize == 0 {
		return mgnt, nil
	}

	if err := mgnt.NewMemorySlot(0, ramsize, 0); err != nil {
		return nil, err
	}

	return mgnt, nil
}

func (m *Memory) FindSlot(addr uint64, size int) (*MemorySlot, error) {
	for _, slot := range m.Slots {
		if slot.Addr == addr && slot.Size == size {
			return slot, nil
		}
	}

	return nil, errSlotNotFound
}

// NewMemorySlot maps size bytes of host memory at guest address addr.
func (m *Memory) NewMemorySlot(addr uint64, size int, flags uint32) error {
	var err error

	if len(m.Slots) >= int(m.MaxSlots) {
		return errNoSlotsAvail
	}

	if size <= 0 {
		return fmt.Errorf("slot at %#x: invalid size %d", addr, size)
	}

	as := NewAddressSpace(fmt.Sprintf("slot%d", len(m.Slots)), addr, uint64(size))
	if err := m.as.AddAddress(as); err != nil {
		return fmt.Errorf("slot at %#x size %#x: %w", addr, size, err)
	}

	slot := &MemorySlot{
		Addr:  addr,
		Size:  size,
		Slot:  uint8(len(m.Slots)),
		Flags: flags,
		AS:    as,
	}

	slot.Buf, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmap slot at %#x: %w", addr, err)
	}

	m.Slots = append(m.Slots, slot)
	sort.Slice(m.Slots, func(i, j int) bool { return m.Slots[i].Addr < m.Slots[j].Addr })

	return nil
}

// Size is the total number of guest bytes backed by slots.
func (m *Memory) Size() uint64 {
	var total uint64

	for _, s := range m.Slots {
		total += uint64(s.Size)
	}

	return total
}

// Ranges lists the backed ranges in ascending order.
func (m *Memory) Ranges() []migration.Range {
	out := make([]migration.Range, 0, len(m.Slots))

	for _, s := range m.Slots {
		out = append(out, migration.Range{Base: s.Addr, Size: uint64(s.Size)})
	}

	return out
}

// HostAddr translates a guest range to the host bytes backing it. The
// range must not cross a slot boundary.
func (m *Memory) HostAddr(gpa uint64, length int) ([]byte, error) {
	for _, s := range m.Slots {
		if gpa < s.Addr || gpa >= s.Addr+uint64(s.Size) {
			continue
		}

		off := gpa - s.Addr
		if off+uint64(length) > uint64(s.Size) {
			break
		}

		return s.Buf[off : off+uint64(length)], nil
	}

	return nil, fmt.Errorf("%w: %#x+%#x", errOutOfRange, gpa, length)
}

// ReadAt copies guest memory at gpa into p.
func (m *Memory) ReadAt(p []byte, gpa uint64) (int, error) {
	b, err := m.HostAddr(gpa, len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt copies p into guest memory at gpa.
func (m *Memory) WriteAt(p []byte, gpa uint64) (int, error) {
	b, err := m.HostAddr(gpa, len(p))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

// Close unmaps every slot.
func (m *Memory) Close() error {
	var firstErr error

	for _, s := range m.Slots {
		if err := unix.Munmap(s.Buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.Slots = nil
	m.as.Addresses = nil

	return firstErr
}
