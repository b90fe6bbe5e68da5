package vmm_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobuhiro11/gokvm-migration/device"
	"github.com/bobuhiro11/gokvm-migration/migration"
	"github.com/bobuhiro11/gokvm-migration/serial"
	"github.com/bobuhiro11/gokvm-migration/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVMM(t *testing.T) *vmm.VMM {
	t.Helper()

	c := vmm.DefaultConfig()
	c.MemSize = 1 << 20
	c.MaxBlockSize = 64 << 10
	c.Timeout = 5 * time.Second
	c.ControlSocket = filepath.Join(t.TempDir(), "ctl.sock")
	c.Console = io.Discard

	v := vmm.New(c)
	require.NoError(t, v.Init())

	return v
}

// serve runs v until the test ends and returns a connected client.
func serve(t *testing.T, v *vmm.VMM) (*vmm.Client, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- v.Run(ctx) }()

	t.Cleanup(cancel)

	var c *vmm.Client

	require.Eventually(t, func() bool {
		var err error

		c, err = vmm.DialControl(v.ControlSocket, time.Second)

		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() { c.Close() })

	return c, done
}

func requireClass(t *testing.T, err error, class string) {
	t.Helper()

	var ce *vmm.CommandError

	require.True(t, errors.As(err, &ce), "error: %v", err)
	assert.Equal(t, class, ce.Class, ce.Desc)
}

func TestInit(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	t.Cleanup(func() { _ = v.Close() })

	assert.Len(t, v.Bus.Devices(), 4)
	assert.Equal(t, 2, v.Manager.Registry().Len())
	assert.Equal(t, uint64(1<<20), v.Memory.Size())

	_, ok := v.Manager.Registry().Lookup("serial0")
	assert.True(t, ok)
}

func TestControlSocket(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	c, done := serve(t, v)

	info, err := c.QueryMigrate()
	require.NoError(t, err)
	assert.Equal(t, "none", info.Status)

	dir := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, c.Snapshot(dir))

	info, err = c.QueryMigrate()
	require.NoError(t, err)
	assert.Equal(t, "completed", info.Status)
	assert.Equal(t, "snapshot", info.Op)
	assert.NotZero(t, info.Transferred)
	assert.NotEmpty(t, info.Finished)
	assert.FileExists(t, filepath.Join(dir, migration.StateFile))

	// A connect failure is reported and leaves the status alone.
	requireClass(t, c.Migrate("tcp:127.0.0.1:1"), "Transport")
	requireClass(t, c.Migrate("ftp:somewhere"), "InvalidConfig")

	info, err = c.QueryMigrate()
	require.NoError(t, err)
	assert.Equal(t, "completed", info.Status)

	requireClass(t, c.CancelMigrate(), "InvalidState")
	requireClass(t, c.Execute("snapshot", nil, nil), "InvalidConfig")
	requireClass(t, c.Snapshot(""), "InvalidConfig")
	requireClass(t, c.Execute("reboot", nil, nil), "CommandNotFound")

	require.NoError(t, c.Quit())
	require.NoError(t, <-done)

	_, err = os.Stat(v.ControlSocket)
	assert.True(t, os.IsNotExist(err))
}

func TestLiveMigration(t *testing.T) {
	t.Parallel()

	marker := []byte("gokvm-live-migration")

	src := newVMM(t)
	require.NoError(t, src.Bus.Out(serial.COM1Addr+7, []byte{0x5a}))
	require.NoError(t, src.Bus.Out(device.PostCodePort, []byte{0x42}))

	_, err := src.Memory.WriteAt(marker, 0x8000)
	require.NoError(t, err)

	dst := newVMM(t)
	t.Cleanup(func() { _ = dst.Close() })

	sock := filepath.Join(t.TempDir(), "incoming.sock")
	incoming := make(chan error, 1)

	go func() { incoming <- dst.Incoming(context.Background(), "unix:"+sock) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)

		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	c, done := serve(t, src)
	require.NoError(t, c.Migrate("unix:"+sock))

	require.NoError(t, <-incoming)
	require.NoError(t, <-done)

	assert.Equal(t, migration.Completed, dst.Manager.Status())

	got := make([]byte, len(marker))
	_, err = dst.Memory.ReadAt(got, 0x8000)
	require.NoError(t, err)
	assert.Equal(t, marker, got)

	scr := []byte{0}
	require.NoError(t, dst.Bus.In(serial.COM1Addr+7, scr))
	assert.Equal(t, byte(0x5a), scr[0])

	last, count := dst.PostCode.Last()
	assert.Equal(t, byte(0x42), last)
	assert.Equal(t, uint64(1), count)
}

func TestIncomingCanceled(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	t.Cleanup(func() { _ = v.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)

	go func() { errc <- v.Incoming(ctx, "unix:"+filepath.Join(t.TempDir(), "in.sock")) }()

	cancel()

	err := <-errc
	require.Error(t, err)
	assert.Equal(t, migration.None, v.Manager.Status())
}

func TestRestoreSnapshot(t *testing.T) {
	t.Parallel()

	src := newVMM(t)
	t.Cleanup(func() { _ = src.Close() })

	require.NoError(t, src.Bus.Out(device.PostCodePort, []byte{0x99}))

	dir := t.TempDir()
	require.NoError(t, src.Manager.SaveSnapshot(dir))

	dst := newVMM(t)
	t.Cleanup(func() { _ = dst.Close() })

	require.NoError(t, dst.RestoreSnapshot(dir))

	last, _ := dst.PostCode.Last()
	assert.Equal(t, byte(0x99), last)
}

func TestHTTPEndpoints(t *testing.T) {
	t.Parallel()

	v := newVMM(t)
	t.Cleanup(func() { _ = v.Close() })

	h, err := v.HTTPHandler()
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gokvm_migration_status")

	resp, err = http.Get(srv.URL + "/migration")
	require.NoError(t, err)

	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"none","transferred":0}`, string(body))

	resp, err = http.Post(srv.URL+"/migration", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
