package migration

// StateTransfer is implemented by every migratable device.
//
// Capture must not block on guest I/O; it reads in-memory state only and is
// called while the device is quiesced. Restore parses a record that has
// already been validated against Descriptor and must fail with Corrupt if
// its length does not match Descriptor().Size().
type StateTransfer interface {
	Descriptor() *DeviceStateDesc
	Capture() ([]byte, error)
	Restore(state []byte) error
}

// Quiescer stops and restarts guest-triggered state changes of a device.
// Both methods must be safe to call any number of times in any order,
// including Resume without a preceding Quiesce. Where the quiesce boundary
// lies is up to the device.
type Quiescer interface {
	Quiesce() error
	Resume() error
}

// Hook is what a device registers with the Registry.
type Hook interface {
	StateTransfer
	Quiescer
}

// captureQuiesced reads one device inside its quiesce window.
func captureQuiesced(h Hook) (state []byte, err error) {
	defer func() {
		if rerr := h.Resume(); err == nil {
			err = rerr
		}
	}()

	if err := h.Quiesce(); err != nil {
		return nil, err
	}

	return h.Capture()
}

// restoreQuiesced writes one device inside its quiesce window.
func restoreQuiesced(h Hook, state []byte) (err error) {
	defer func() {
		if rerr := h.Resume(); err == nil {
			err = rerr
		}
	}()

	if err := h.Quiesce(); err != nil {
		return err
	}

	return h.Restore(state)
}
