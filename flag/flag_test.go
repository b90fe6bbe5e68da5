package flag_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobuhiro11/gokvm-migration/flag"
	"github.com/bobuhiro11/gokvm-migration/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		unit string
		want uint64
	}{
		{"1", "g", 1 << 30},
		{"512m", "g", 512 << 20},
		{"4K", "", 4 << 10},
		{"0x10", "", 16},
		{"100", "", 100},
	}

	for _, c := range cases {
		got, err := flag.ParseSize(c.in, c.unit)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	for _, bad := range []string{"", "g", "12x", "1gg", "-1"} {
		_, err := flag.ParseSize(bad, "")
		require.Error(t, err, bad)
	}

	_, err := flag.ParseSize("100000000000000000000", "")
	require.Error(t, err)

	_, err = flag.ParseSize("17179869184", "g")
	require.Error(t, err)
}

func parse(t *testing.T, args ...string) (*flag.CLI, string, error) {
	t.Helper()

	var cli flag.CLI

	parser, err := flag.New(&cli)
	require.NoError(t, err)

	ctx, err := parser.Parse(args)
	if err != nil {
		return nil, "", err
	}

	return &cli, ctx.Command(), nil
}

func TestParseCommands(t *testing.T) {
	t.Parallel()

	cli, cmd, err := parse(t, "migrate", "-s", "/tmp/vm0.sock", "--wait", "tcp:10.0.0.2:4444")
	require.NoError(t, err)
	assert.Equal(t, "migrate <uri>", cmd)
	assert.Equal(t, "/tmp/vm0.sock", cli.Migrate.Socket)
	assert.Equal(t, "tcp:10.0.0.2:4444", cli.Migrate.URI)
	assert.True(t, cli.Migrate.Wait)
	assert.Empty(t, cli.LogLevel)

	_, cmd, err = parse(t, "query-migrate", "-s", "/tmp/vm0.sock")
	require.NoError(t, err)
	assert.Equal(t, "query-migrate", cmd)

	cli, cmd, err = parse(t, "serve", "-m", "2g", "--incoming", "unix:/tmp/in.sock")
	require.NoError(t, err)
	assert.Equal(t, "serve", cmd)
	assert.Equal(t, "2g", cli.Serve.MemSize)
	assert.Equal(t, "unix:/tmp/in.sock", cli.Serve.Incoming)

	_, _, err = parse(t, "snapshot", "/tmp/snap")
	require.Error(t, err)
}

func TestServeLogLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vm.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"debug\"\n"), 0o600))

	cli, _, err := parse(t, "serve", "-f", path)
	require.NoError(t, err)

	c, err := cli.Serve.Resolve(cli.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)

	cli, _, err = parse(t, "--log-level", "warn", "serve", "-f", path)
	require.NoError(t, err)

	c, err = cli.Serve.Resolve(cli.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, "warn", c.LogLevel)

	cli, _, err = parse(t, "serve")
	require.NoError(t, err)

	c, err = cli.Serve.Resolve(cli.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, "info", c.LogLevel)
}

func TestClientCommands(t *testing.T) {
	t.Parallel()

	c := vmm.DefaultConfig()
	c.MemSize = 1 << 20
	c.ControlSocket = filepath.Join(t.TempDir(), "ctl.sock")
	c.Console = io.Discard

	v := vmm.New(c)
	require.NoError(t, v.Init())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- v.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	query := &flag.QueryMigrateCMD{Socket: c.ControlSocket}

	var out bytes.Buffer

	require.Eventually(t, func() bool {
		out.Reset()

		return query.Run(&out) == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "status: none\n", out.String())

	out.Reset()

	dir := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, (&flag.SnapshotCMD{Socket: c.ControlSocket, Path: dir}).Run(&out))
	assert.Contains(t, out.String(), dir)

	out.Reset()
	require.NoError(t, query.Run(&out))
	assert.Contains(t, out.String(), "status: completed")
	assert.Contains(t, out.String(), "op: snapshot")

	require.Error(t, (&flag.CancelMigrateCMD{Socket: c.ControlSocket}).Run(&out))
	require.Error(t, (&flag.MigrateCMD{Socket: c.ControlSocket, URI: "tcp:127.0.0.1:1"}).Run(&out))
}
