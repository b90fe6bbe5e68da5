package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/gokvm-migration/migration"
	log "github.com/sirupsen/logrus"
)

// Bus dispatches port I/O to the attached devices. Attaching a device that
// implements migration.Hook also registers it for snapshots and migration;
// both happen under the bus write lock, so a transfer holding Locker never
// sees a half attached device.
type Bus struct {
	mu       sync.RWMutex
	devices  []IODevice
	registry *migration.Registry
	logger   *log.Entry
}

func NewBus(registry *migration.Registry, logger *log.Entry) *Bus {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Bus{registry: registry, logger: logger}
}

// Locker is the device-model lock handed to the migration manager. It is
// shared with guest I/O and exclusive with Attach and Detach.
func (b *Bus) Locker() sync.Locker {
	return b.mu.RLocker()
}

func overlaps(a, b IODevice) bool {
	return a.IOPort() < b.IOPort()+b.Size() && b.IOPort() < a.IOPort()+a.Size()
}

func (b *Bus) Attach(d IODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range b.devices {
		if overlaps(o, d) {
			return fmt.Errorf("%w: %#x-%#x", errPortConflict, d.IOPort(), d.IOPort()+d.Size()-1)
		}
	}

	if h, ok := d.(migration.Hook); ok && b.registry != nil {
		if err := b.registry.Register(h); err != nil {
			return err
		}
	}

	b.devices = append(b.devices, d)
	sort.Slice(b.devices, func(i, j int) bool { return b.devices[i].IOPort() < b.devices[j].IOPort() })

	b.logger.Debugf("bus: attached %T at %#x", d, d.IOPort())

	return nil
}

func (b *Bus) Detach(d IODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, o := range b.devices {
		if o != d {
			continue
		}

		if h, ok := d.(migration.Hook); ok && b.registry != nil {
			if err := b.registry.Unregister(h.Descriptor().ID); err != nil {
				return err
			}
		}

		b.devices = append(b.devices[:i], b.devices[i+1:]...)

		return nil
	}

	return fmt.Errorf("%w: %T at %#x", errNotAttached, d, d.IOPort())
}

// Devices returns the attached devices ordered by port.
func (b *Bus) Devices() []IODevice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]IODevice(nil), b.devices...)
}

func (b *Bus) find(port uint64) IODevice {
	i := sort.Search(len(b.devices), func(i int) bool {
		return b.devices[i].IOPort()+b.devices[i].Size() > port
	})

	if i < len(b.devices) && b.devices[i].IOPort() <= port {
		return b.devices[i]
	}

	return nil
}

// In handles a guest IN instruction. Unclaimed ports read as nothing.
func (b *Bus) In(port uint64, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d := b.find(port)
	if d == nil {
		return nil
	}

	return d.Read(port, data)
}

// Out handles a guest OUT instruction. Writes to unclaimed ports are dropped.
func (b *Bus) Out(port uint64, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d := b.find(port)
	if d == nil {
		return nil
	}

	return d.Write(port, data)
}
