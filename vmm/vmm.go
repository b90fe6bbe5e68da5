package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bobuhiro11/gokvm-migration/device"
	"github.com/bobuhiro11/gokvm-migration/iodev"
	"github.com/bobuhiro11/gokvm-migration/memory"
	"github.com/bobuhiro11/gokvm-migration/migration"
	"github.com/bobuhiro11/gokvm-migration/serial"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ps2Port is the 8042 keyboard controller range. Reads return 0x20 so
// guests polling the status register make progress.
const (
	ps2Port   = 0x60
	ps2Size   = 0x10
	ps2Status = 0x20
)

var errNotInitialized = errors.New("vmm not initialized")

// VMM is one VM: guest memory, the port I/O device model and the migration
// manager that snapshots and migrates them.
type VMM struct {
	Config

	Memory   *memory.Memory
	Bus      *device.Bus
	Serial   *serial.Serial
	PostCode *device.PostCodeDevice
	Manager  *migration.Manager
	Metrics  *migration.Collector

	logger   *log.Entry
	stop     chan struct{}
	stopOnce sync.Once
}

func New(c Config) *VMM {
	return &VMM{
		Config: c,
		logger: log.WithField("component", "vmm"),
		stop:   make(chan struct{}),
	}
}

// Init allocates guest memory and attaches the devices.
func (v *VMM) Init() error {
	if err := v.Config.Validate(); err != nil {
		return err
	}

	mem, err := memory.New(int(v.MemSize))
	if err != nil {
		return fmt.Errorf("guest memory: %w", err)
	}

	v.Memory = mem
	v.Metrics = migration.NewMetricsCollector()

	registry := migration.NewRegistry()
	v.Bus = device.NewBus(registry, v.logger)
	v.Manager = migration.NewManager(migration.Options{
		Memory:       mem,
		Registry:     registry,
		DeviceLock:   v.Bus.Locker(),
		MaxBlockSize: v.MaxBlockSize,
		Logger:       v.logger,
		Metrics:      v.Metrics,
		OnMigrated: func(id string) {
			v.logger.Infof("migration %s complete, destination owns the guest", id)
			v.Stop()
		},
	})

	v.Serial, err = serial.New(nil, v.Console)
	if err != nil {
		return err
	}

	v.PostCode = device.NewPostCodeDevice(v.Console)

	devices := []device.IODevice{
		&iodev.NoopDevice{Port: ps2Port, Psize: ps2Size, Fill: ps2Status},
		v.Serial,
		v.PostCode,
		iodev.NewACPIShutDownEvent(func(e iodev.Event) {
			if e == iodev.EventShutdown {
				v.Stop()
			}
		}),
	}

	for _, d := range devices {
		if err := v.Bus.Attach(d); err != nil {
			return fmt.Errorf("attach %T: %w", d, err)
		}
	}

	v.logger.Infof("guest memory %s, %d migratable devices",
		humanize.IBytes(mem.Size()), v.Manager.Registry().Len())

	return nil
}

// Stop ends Run. It may be called any number of times.
func (v *VMM) Stop() {
	v.stopOnce.Do(func() { close(v.stop) })
}

// Done is closed once Stop was called.
func (v *VMM) Done() <-chan struct{} {
	return v.stop
}

// Run serves the control socket and the metrics endpoint until ctx is done
// or the VM stops.
func (v *VMM) Run(ctx context.Context) error {
	if v.Manager == nil {
		return errNotInitialized
	}

	ctl, err := v.StartControlSocket()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctl.Serve()
	})

	var srv *http.Server

	if v.MetricsAddr != "" {
		h, err := v.HTTPHandler()
		if err != nil {
			ctl.Close()

			return err
		}

		l, err := net.Listen("tcp", v.MetricsAddr)
		if err != nil {
			ctl.Close()

			return fmt.Errorf("metrics listener: %w", err)
		}

		srv = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	if v.ConsoleIn != nil {
		go v.pumpConsole()
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-v.stop:
		}

		ctl.Close()

		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = srv.Shutdown(sctx)
		}

		return nil
	})

	err = g.Wait()

	if cerr := v.Close(); err == nil {
		err = cerr
	}

	return err
}

// pumpConsole feeds console input into the UART. Ctrl-A x stops the VM.
func (v *VMM) pumpConsole() {
	in := bufio.NewReader(v.ConsoleIn)

	var before byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			v.logger.Debugf("console input closed: %v", err)

			return
		}

		if before == 0x1 && b == 'x' {
			v.Stop()

			return
		}

		before = b

		if err := v.Serial.Feed(b); err != nil {
			v.logger.Debugf("console input dropped: %v", err)
		}
	}
}

// Close stops a running operation, resumes every device and releases guest
// memory.
func (v *VMM) Close() error {
	v.Stop()

	var err error

	if v.Manager != nil {
		err = v.Manager.Close()
	}

	if v.Memory != nil {
		if merr := v.Memory.Close(); err == nil {
			err = merr
		}

		v.Memory = nil
	}

	return err
}

// Incoming waits for one migration on uri and applies it.
func (v *VMM) Incoming(ctx context.Context, uri string) error {
	if v.Manager == nil {
		return errNotInitialized
	}

	l, err := migration.Listen(uri)
	if err != nil {
		return err
	}
	defer l.Close()

	v.logger.Infof("migration: waiting for incoming connection on %s", uri)

	accepted := make(chan struct{})
	defer close(accepted)

	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-accepted:
		}
	}()

	conn, err := l.Accept()
	if err != nil {
		return &migration.Error{Kind: migration.Transport, Op: "accept " + uri, Err: err}
	}

	t := migration.NewConnStream(conn, v.Timeout)
	defer t.Close()

	return v.Manager.ReceiveMigration(t)
}

// RestoreSnapshot loads a snapshot directory into the VM.
func (v *VMM) RestoreSnapshot(dir string) error {
	if v.Manager == nil {
		return errNotInitialized
	}

	return v.Manager.RestoreSnapshot(dir)
}
