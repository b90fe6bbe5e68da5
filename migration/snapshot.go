package migration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
)

const (
	// StateFile holds the transfer stream inside a snapshot directory.
	StateFile = "vmstate"
	// ManifestFile describes a snapshot for humans and tools.
	ManifestFile = "manifest.toml"
)

// Manifest is written next to the state file of every snapshot.
type Manifest struct {
	ID              string           `toml:"id"`
	CreatedAt       time.Time        `toml:"created_at"`
	ProtocolVersion uint32           `toml:"protocol_version"`
	MemorySize      uint64           `toml:"memory_size"`
	Devices         []ManifestDevice `toml:"devices"`
}

// ManifestDevice is one device entry of a Manifest.
type ManifestDevice struct {
	ID      string `toml:"id"`
	Version uint32 `toml:"version"`
	Size    int    `toml:"size"`
}

// SaveSnapshot writes the VM state into dir, creating it if needed. The
// guest keeps running; each device is only quiesced while it is captured.
// On failure no partial state file is left behind.
func (m *Manager) SaveSnapshot(dir string) error {
	if dir == "" {
		return &Error{Kind: InvalidConfig, Op: "snapshot", Err: errors.New("empty snapshot path")}
	}

	logger, err := m.begin("snapshot", dir)
	if err != nil {
		return err
	}

	return m.finish(logger, m.saveSnapshot(dir, logger))
}

func (m *Manager) saveSnapshot(dir string, logger *log.Entry) (err error) {
	if fi, serr := os.Stat(dir); serr == nil && !fi.IsDir() {
		return &Error{Kind: Io, Op: "snapshot", Err: fmt.Errorf("%s is not a directory", dir)}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &Error{Kind: Io, Op: "create snapshot dir", Err: err}
	}

	final := filepath.Join(dir, StateFile)
	tmp := final + ".tmp"

	t, err := CreateFile(tmp)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			t.Close()
			os.Remove(tmp)
		}
	}()

	if err := m.SetStatus(Active); err != nil {
		return err
	}

	if err := m.send(t, logger); err != nil {
		return err
	}

	if f, ok := t.(*fileStream); ok {
		if err := f.Sync(); err != nil {
			return &Error{Kind: Io, Op: "sync snapshot", Err: err}
		}
	}

	if err := t.Close(); err != nil {
		return &Error{Kind: Io, Op: "close snapshot", Err: err}
	}

	if err := os.Rename(tmp, final); err != nil {
		return &Error{Kind: Io, Op: "commit snapshot", Err: err}
	}

	if err := m.writeManifest(dir); err != nil {
		os.Remove(final)

		return err
	}

	return nil
}

func (m *Manager) writeManifest(dir string) error {
	m.mu.Lock()
	man := Manifest{ID: m.info.ID, CreatedAt: m.info.Started.UTC(), ProtocolVersion: ProtocolVersion}
	m.mu.Unlock()

	if m.opts.Memory != nil {
		man.MemorySize = NewEnumerator(m.opts.Memory, m.opts.MaxBlockSize).Total()
	}

	m.opts.DeviceLock.Lock()
	for _, e := range m.registry.Entries() {
		man.Devices = append(man.Devices, ManifestDevice{ID: e.ID, Version: e.Desc.Version, Size: e.Desc.Size()})
	}
	m.opts.DeviceLock.Unlock()

	data, err := toml.Marshal(man)
	if err != nil {
		return &Error{Kind: Io, Op: "marshal manifest", Err: err}
	}

	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o600); err != nil {
		return &Error{Kind: Io, Op: "write manifest", Err: err}
	}

	return nil
}

// ReadManifest reads the manifest of the snapshot in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, &Error{Kind: Io, Op: "read manifest", Err: err}
	}

	var man Manifest
	if err := toml.Unmarshal(data, &man); err != nil {
		return nil, &Error{Kind: Corrupt, Op: "parse manifest", Err: err}
	}

	return &man, nil
}

// RestoreSnapshot loads the snapshot in dir into the registered devices and
// guest memory.
func (m *Manager) RestoreSnapshot(dir string) error {
	if dir == "" {
		return &Error{Kind: InvalidConfig, Op: "restore", Err: errors.New("empty snapshot path")}
	}

	logger, err := m.begin("restore", dir)
	if err != nil {
		return err
	}

	if man, merr := ReadManifest(dir); merr == nil {
		logger.Infof("migration: restoring snapshot %s taken %s with %d devices",
			man.ID, man.CreatedAt.Format(time.RFC3339), len(man.Devices))
	} else {
		logger.Debugf("migration: no manifest: %v", merr)
	}

	t, err := OpenFile(filepath.Join(dir, StateFile))
	if err != nil {
		return m.finish(logger, err)
	}
	defer t.Close()

	if err := m.SetStatus(Active); err != nil {
		return m.finish(logger, err)
	}

	return m.finish(logger, m.receive(t, logger))
}
