package flag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gokvm-migration/term"
	"github.com/bobuhiro11/gokvm-migration/vmm"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

const (
	controlTimeout = 5 * time.Second
	pollInterval   = 200 * time.Millisecond
)

// New returns the parser for c.
func New(c *CLI) (*kong.Kong, error) {
	programName := "gokvm"
	programDesc := "gokvm is a small Linux KVM Hypervisor with snapshots and live migration"

	return kong.New(c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
}

func Parse() error {
	c := CLI{}

	parser, err := New(&c)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if c.LogLevel != "" {
		level, err := log.ParseLevel(c.LogLevel)
		if err != nil {
			return err
		}

		log.SetLevel(level)
	}

	return ctx.Run(kong.Bind(&c), kong.BindTo(io.Writer(os.Stdout), (*io.Writer)(nil)))
}

// Resolve builds the VM config: defaults, then the file, then flags.
// logLevel is the global --log-level flag; empty keeps the file's level.
func (s *ServeCMD) Resolve(logLevel string) (vmm.Config, error) {
	c := vmm.DefaultConfig()

	if s.Config != "" {
		var err error

		if c, err = vmm.LoadConfig(s.Config); err != nil {
			return c, err
		}
	}

	if s.MemSize != "" {
		memSize, err := ParseSize(s.MemSize, "g")
		if err != nil {
			return c, err
		}

		c.MemSize = memSize
	}

	if s.Socket != "" {
		c.ControlSocket = s.Socket
	}

	if s.MetricsAddr != "" {
		c.MetricsAddr = s.MetricsAddr
	}

	if s.Console {
		c.ConsoleIn = os.Stdin
		c.Console = os.Stdout
	}

	if logLevel != "" {
		c.LogLevel = logLevel
	}

	return c, c.Validate()
}

func (s *ServeCMD) Run(cli *CLI) error {
	c, err := s.Resolve(cli.LogLevel)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}

	switch {
	case s.Restore != "":
		if err := v.RestoreSnapshot(s.Restore); err != nil {
			_ = v.Close()

			return err
		}
	case s.Incoming != "":
		if err := v.Incoming(ctx, s.Incoming); err != nil {
			_ = v.Close()

			return err
		}
	}

	log.Infof("control socket %s", c.ControlSocket)

	if s.Console && term.IsTerminal(int(os.Stdin.Fd())) {
		restoreMode, err := term.SetRawMode(int(os.Stdin.Fd()))
		if err != nil {
			_ = v.Close()

			return err
		}

		defer restoreMode()
	}

	return v.Run(ctx)
}

func (s *SnapshotCMD) Run(out io.Writer) error {
	c, err := vmm.DialControl(s.Socket, controlTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Snapshot(s.Path); err != nil {
		return err
	}

	fmt.Fprintf(out, "snapshot written to %s\n", s.Path)

	return nil
}

func (m *MigrateCMD) Run(out io.Writer) error {
	c, err := vmm.DialControl(m.Socket, controlTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Migrate(m.URI); err != nil {
		return err
	}

	fmt.Fprintf(out, "migration to %s started\n", m.URI)

	if !m.Wait {
		return nil
	}

	for {
		info, err := c.QueryMigrate()
		if sourceStopped(err) {
			// the source stops as soon as the destination owns the guest
			fmt.Fprintln(out, "status: completed (source stopped)")

			return nil
		}

		if err != nil {
			return err
		}

		switch info.Status {
		case "setup", "active":
			time.Sleep(pollInterval)

			continue
		case "completed":
			printInfo(out, info)

			return nil
		}

		printInfo(out, info)

		return fmt.Errorf("migration %s: %s", info.Status, info.Error)
	}
}

func (q *QueryMigrateCMD) Run(out io.Writer) error {
	c, err := vmm.DialControl(q.Socket, controlTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	info, err := c.QueryMigrate()
	if err != nil {
		return err
	}

	printInfo(out, info)

	return nil
}

func (q *CancelMigrateCMD) Run(out io.Writer) error {
	c, err := vmm.DialControl(q.Socket, controlTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.CancelMigrate(); err != nil {
		return err
	}

	fmt.Fprintln(out, "cancel requested")

	return nil
}

func sourceStopped(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

func printInfo(out io.Writer, info vmm.MigrationInfo) {
	fmt.Fprintf(out, "status: %s\n", info.Status)

	if info.ID == "" {
		return
	}

	fmt.Fprintf(out, "id: %s\nop: %s %s\ntransferred: %s\n",
		info.ID, info.Op, info.Target, humanize.IBytes(info.Transferred))

	if info.Error != "" {
		fmt.Fprintf(out, "error: %s\n", info.Error)
	}
}
