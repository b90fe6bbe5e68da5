package migration

import (
	"fmt"
)

// FieldDesc places one field of a device state record.
type FieldDesc struct {
	Name   string
	Offset uint32
	Width  uint32
}

// DeviceStateDesc describes the shape and version of a device's state
// record. It is built once per device type and never modified afterwards.
type DeviceStateDesc struct {
	ID      string
	Version uint32
	// CompatVersion is the oldest incoming version with the same layout
	// this device still restores. Zero means Version.
	CompatVersion uint32
	Fields        []FieldDesc
}

// Pack lays out fields back to back in the given order, ignoring any
// offsets already set.
func Pack(fields ...FieldDesc) []FieldDesc {
	out := make([]FieldDesc, len(fields))

	var off uint32

	for i, f := range fields {
		out[i] = FieldDesc{Name: f.Name, Offset: off, Width: f.Width}
		off += f.Width
	}

	return out
}

// NewDeviceStateDesc returns a descriptor whose compat version equals its
// version.
func NewDeviceStateDesc(id string, version uint32, fields []FieldDesc) *DeviceStateDesc {
	return &DeviceStateDesc{
		ID:            id,
		Version:       version,
		CompatVersion: version,
		Fields:        fields,
	}
}

// Size is the total encoded width of a record.
func (d *DeviceStateDesc) Size() int {
	size := 0

	for _, f := range d.Fields {
		if end := int(f.Offset) + int(f.Width); end > size {
			size = end
		}
	}

	return size
}

// Field looks up a field by name.
func (d *DeviceStateDesc) Field(name string) (FieldDesc, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}

	return FieldDesc{}, false
}

func (d *DeviceStateDesc) compatVersion() uint32 {
	if d.CompatVersion == 0 {
		return d.Version
	}

	return d.CompatVersion
}

// check rejects descriptors that cannot describe a record.
func (d *DeviceStateDesc) check() error {
	if d.ID == "" {
		return errEmptyDeviceID
	}

	if d.compatVersion() > d.Version {
		return fmt.Errorf("device %q: compat version %d above version %d", d.ID, d.CompatVersion, d.Version)
	}

	seen := make(map[string]bool, len(d.Fields))

	for _, f := range d.Fields {
		if f.Width == 0 {
			return fmt.Errorf("device %q field %q: %w", d.ID, f.Name, errFieldWidth)
		}

		if seen[f.Name] {
			return fmt.Errorf("device %q: duplicate field %q", d.ID, f.Name)
		}

		seen[f.Name] = true
	}

	if d.Size() > maxRecordSize {
		return fmt.Errorf("device %q: %w: %d bytes", d.ID, errRecordTooLarge, d.Size())
	}

	return nil
}

func (d *DeviceStateDesc) sameLayout(o *DeviceStateDesc) bool {
	if len(d.Fields) != len(o.Fields) {
		return false
	}

	for i := range d.Fields {
		if d.Fields[i] != o.Fields[i] {
			return false
		}
	}

	return true
}

// Accepts checks whether a record described by received can be restored
// by the device that d describes.
func (d *DeviceStateDesc) Accepts(received *DeviceStateDesc) error {
	var reason string

	switch {
	case d.ID != received.ID:
		reason = fmt.Sprintf("device id %q does not match", received.ID)
	case received.Version > d.Version:
		reason = "incoming version is newer"
	case received.Version < d.compatVersion():
		reason = "incoming version is older than the compat version"
	case !d.sameLayout(received):
		reason = "field layout differs"
	default:
		return nil
	}

	return &Error{
		Kind: VersionIncompatible,
		Op:   "validate descriptor",
		Err:  &VersionError{Expected: d, Received: received, Reason: reason},
	}
}
