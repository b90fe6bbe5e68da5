package flag

// CLI is the gokvm command line.
type CLI struct {
	LogLevel string `help:"Log level (trace, debug, info, warn, error). Overrides log_level of the config file; info when neither is set."`

	Serve         ServeCMD         `cmd:"" help:"Run a VM and serve its control socket."`
	Snapshot      SnapshotCMD      `cmd:"" help:"Write a snapshot of a running VM."`
	Migrate       MigrateCMD       `cmd:"" help:"Live-migrate a running VM to another gokvm."`
	QueryMigrate  QueryMigrateCMD  `cmd:"" name:"query-migrate" help:"Show the snapshot/migration status of a VM."`
	CancelMigrate CancelMigrateCMD `cmd:"" name:"cancel-migrate" help:"Cancel a running migration."`
}

type ServeCMD struct {
	Config      string `short:"f" help:"TOML config file." type:"path"`
	MemSize     string `short:"m" help:"memory size: as number[gGmMkK], optional units, defaults to G"`
	Socket      string `short:"s" help:"control socket path (default /tmp/gokvm-<pid>.sock)" type:"path"`
	MetricsAddr string `help:"serve /metrics and /migration on this address"`
	Incoming    string `help:"wait for a migration on this uri (unix:/path or tcp:host:port) before serving"`
	Restore     string `help:"restore the snapshot in this directory before serving" type:"path"`
	Console     bool   `help:"forward stdin to the serial port"`
}

type SnapshotCMD struct {
	Socket string `short:"s" required:"" help:"control socket of the VM" type:"path"`
	Path   string `arg:"" help:"snapshot directory" type:"path"`
}

type MigrateCMD struct {
	Socket string `short:"s" required:"" help:"control socket of the VM" type:"path"`
	URI    string `arg:"" help:"destination: unix:/path or tcp:host:port"`
	Wait   bool   `short:"w" help:"wait until the migration has finished"`
}

type QueryMigrateCMD struct {
	Socket string `short:"s" required:"" help:"control socket of the VM" type:"path"`
}

type CancelMigrateCMD struct {
	Socket string `short:"s" required:"" help:"control socket of the VM" type:"path"`
}
