package memory

import (
	"errors"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is a named guest-physical range that may be carved into
// non-overlapping children.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

func (a *AddressSpace) End() uint64 {
	return a.Start + a.Size
}

func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) || !a.IsFree(addr) {
		return errAddrSpaceOccupied
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr lies entirely inside a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.End() <= a.End() && addr.End() >= addr.Start
}

// IsFree reports whether ad overlaps none of the children of a.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if ad.Start < addr.End() && addr.Start < ad.End() {
			return false
		}
	}

	return true
}
