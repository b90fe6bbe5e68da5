package vmm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bobuhiro11/gokvm-migration/migration"
	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
)

var errInvalidConfig = errors.New("invalid config")

// Config describes one VM and its control plane.
type Config struct {
	MemSize       uint64
	ControlSocket string
	Timeout       time.Duration
	MaxBlockSize  uint64
	MetricsAddr   string
	LogLevel      string

	// Console receives serial output; ConsoleIn feeds serial input.
	Console   io.Writer
	ConsoleIn io.Reader
}

// fileConfig is the on-disk TOML form of Config.
type fileConfig struct {
	Memory        string `toml:"memory"`
	ControlSocket string `toml:"control_socket"`
	Timeout       string `toml:"timeout"`
	MaxBlock      string `toml:"max_block"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogLevel      string `toml:"log_level"`
}

// ControlSocketPath returns the default control socket of the VMM with the
// given PID.
func ControlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/gokvm-%d.sock", pid)
}

func DefaultConfig() Config {
	return Config{
		MemSize:       256 << 20,
		ControlSocket: ControlSocketPath(os.Getpid()),
		Timeout:       migration.DefaultTimeout,
		MaxBlockSize:  migration.DefaultMaxBlockSize,
		LogLevel:      "info",
		Console:       os.Stdout,
	}
}

// LoadConfig reads a TOML file over the defaults. Keys left out keep their
// default value.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := c.apply(fc); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}

	return c, nil
}

func (c *Config) apply(fc fileConfig) error {
	if fc.Memory != "" {
		n, err := humanize.ParseBytes(fc.Memory)
		if err != nil {
			return fmt.Errorf("%w: memory: %w", errInvalidConfig, err)
		}

		c.MemSize = n
	}

	if fc.MaxBlock != "" {
		n, err := humanize.ParseBytes(fc.MaxBlock)
		if err != nil {
			return fmt.Errorf("%w: max_block: %w", errInvalidConfig, err)
		}

		c.MaxBlockSize = n
	}

	if fc.Timeout != "" {
		d, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return fmt.Errorf("%w: timeout: %w", errInvalidConfig, err)
		}

		c.Timeout = d
	}

	if fc.ControlSocket != "" {
		c.ControlSocket = fc.ControlSocket
	}

	if fc.MetricsAddr != "" {
		c.MetricsAddr = fc.MetricsAddr
	}

	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}

	return c.Validate()
}

// Validate rejects values the VMM cannot run with.
func (c *Config) Validate() error {
	if c.MemSize == 0 {
		return fmt.Errorf("%w: memory size is zero", errInvalidConfig)
	}

	if c.ControlSocket == "" {
		return fmt.Errorf("%w: no control socket", errInvalidConfig)
	}

	if c.MaxBlockSize > migration.MaxBlockSizeLimit {
		return fmt.Errorf("%w: max block %s exceeds %s", errInvalidConfig,
			humanize.IBytes(c.MaxBlockSize), humanize.IBytes(migration.MaxBlockSizeLimit))
	}

	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", errInvalidConfig)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	return nil
}
