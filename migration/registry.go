package migration

import (
	"fmt"
)

// Entry binds a device id to its descriptor and hook.
type Entry struct {
	ID   string
	Desc *DeviceStateDesc
	Hook Hook
}

// Registry lists the migratable devices of one VM in attach order. Source
// and destination walk it in the same order.
//
// Registry does not lock. Attach/detach and transfers are serialized by the
// device-model lock (see Options.DeviceLock).
type Registry struct {
	entries []Entry
	index   map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: map[string]int{}}
}

// Register adds a device. The descriptor is read once and never again.
func (r *Registry) Register(h Hook) error {
	desc := h.Descriptor()
	if desc == nil {
		return &Error{Kind: InvalidConfig, Op: "register", Err: errEmptyDeviceID}
	}

	if err := desc.check(); err != nil {
		return &Error{Kind: InvalidConfig, Op: "register", Err: err}
	}

	if _, ok := r.index[desc.ID]; ok {
		return &Error{Kind: InvalidConfig, Op: "register", Err: fmt.Errorf("%w: %q", errDuplicateDevice, desc.ID)}
	}

	r.index[desc.ID] = len(r.entries)
	r.entries = append(r.entries, Entry{ID: desc.ID, Desc: desc, Hook: h})

	return nil
}

// Unregister removes a device, keeping the order of the others.
func (r *Registry) Unregister(id string) error {
	i, ok := r.index[id]
	if !ok {
		return &Error{Kind: InvalidConfig, Op: "unregister", Err: fmt.Errorf("%w: %q", errUnknownDevice, id)}
	}

	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	delete(r.index, id)

	for j := i; j < len(r.entries); j++ {
		r.index[r.entries[j].ID] = j
	}

	return nil
}

// Entries returns the registered devices in insertion order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)

	return out
}

func (r *Registry) Len() int { return len(r.entries) }

// Lookup finds a device by id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	i, ok := r.index[id]
	if !ok {
		return Entry{}, false
	}

	return r.entries[i], true
}

// Validate checks an incoming descriptor against the local one for the
// same device id and returns the local entry.
func (r *Registry) Validate(received *DeviceStateDesc) (Entry, error) {
	e, ok := r.Lookup(received.ID)
	if !ok {
		return Entry{}, &Error{
			Kind: VersionIncompatible,
			Op:   "validate descriptor",
			Err:  &VersionError{Received: received, Reason: "no such device on this side"},
		}
	}

	if err := e.Desc.Accepts(received); err != nil {
		return Entry{}, err
	}

	return e, nil
}
