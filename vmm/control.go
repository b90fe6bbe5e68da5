package vmm

// The control socket takes one JSON request per line and answers each with
// one JSON response per line.
//
//	-> {"execute": "migrate", "arguments": {"uri": "tcp:10.0.0.2:4444"}}
//	<- {"return": {}}
//	-> {"execute": "query-migrate"}
//	<- {"return": {"status": "active", "transferred": 1048576, ...}}
//	-> {"execute": "snapshot", "arguments": {"path": "/var/lib/gokvm/snap"}}
//	<- {"error": {"class": "InvalidState", "desc": "..."}}
//
// Commands: snapshot, migrate, query-migrate, cancel-migrate, quit.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bobuhiro11/gokvm-migration/migration"
	log "github.com/sirupsen/logrus"
)

const (
	classGeneric         = "GenericError"
	classCommandNotFound = "CommandNotFound"
)

// Request is one control command.
type Request struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CommandError is the error member of a response.
type CommandError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *CommandError) Error() string {
	return e.Class + ": " + e.Desc
}

type response struct {
	Return any           `json:"return,omitempty"`
	Error  *CommandError `json:"error,omitempty"`
}

type clientResponse struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *CommandError   `json:"error,omitempty"`
}

// PathArgs are the arguments of snapshot.
type PathArgs struct {
	Path string `json:"path"`
}

// URIArgs are the arguments of migrate.
type URIArgs struct {
	URI string `json:"uri"`
}

// MigrationInfo is the reply to query-migrate.
type MigrationInfo struct {
	Status      string `json:"status"`
	ID          string `json:"id,omitempty"`
	Op          string `json:"op,omitempty"`
	Target      string `json:"target,omitempty"`
	Transferred uint64 `json:"transferred"`
	Started     string `json:"started,omitempty"`
	Finished    string `json:"finished,omitempty"`
	Error       string `json:"error,omitempty"`
}

func newMigrationInfo(i migration.Info) MigrationInfo {
	mi := MigrationInfo{
		Status:      i.Status.String(),
		ID:          i.ID,
		Op:          i.Op,
		Target:      i.Target,
		Transferred: i.Bytes,
		Error:       i.Err,
	}

	if !i.Started.IsZero() {
		mi.Started = i.Started.UTC().Format(time.RFC3339Nano)
	}

	if !i.Finished.IsZero() {
		mi.Finished = i.Finished.UTC().Format(time.RFC3339Nano)
	}

	return mi
}

// ControlServer serves the control socket of one VMM.
type ControlServer struct {
	v      *VMM
	l      net.Listener
	path   string
	logger *log.Entry

	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// StartControlSocket listens on the configured unix socket. Call Serve to
// handle connections.
func (v *VMM) StartControlSocket() (*ControlServer, error) {
	l, err := migration.Listen("unix:" + v.ControlSocket)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	return &ControlServer{
		v:      v,
		l:      l,
		path:   v.ControlSocket,
		logger: v.logger.WithField("socket", v.ControlSocket),
		conns:  map[net.Conn]struct{}{},
	}, nil
}

func (c *ControlServer) Path() string { return c.path }

// Serve accepts connections until Close.
func (c *ControlServer) Serve() error {
	defer c.wg.Wait()

	for {
		conn, err := c.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("control socket: %w", err)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()

			continue
		}

		c.conns[conn] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			c.handle(conn)
		}()
	}
}

func (c *ControlServer) Close() error {
	var err error

	c.closeOnce.Do(func() {
		err = c.l.Close()
		os.Remove(c.path)

		c.mu.Lock()
		c.closed = true

		for conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
	})

	return err
}

func (c *ControlServer) handle(conn net.Conn) {
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()

		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req Request

		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				_ = enc.Encode(response{Error: &CommandError{Class: classGeneric, Desc: "malformed request: " + err.Error()}})
			}

			return
		}

		resp := c.execute(req)
		if err := enc.Encode(resp); err != nil {
			c.logger.Debugf("control: write reply: %v", err)

			return
		}

		if req.Execute == "quit" {
			c.v.Stop()

			return
		}
	}
}

func (c *ControlServer) execute(req Request) response {
	c.logger.Debugf("control: %s", req.Execute)

	var (
		ret any = struct{}{}
		err error
	)

	switch req.Execute {
	case "snapshot":
		var args PathArgs
		if err = decodeArgs(req.Arguments, &args); err == nil {
			err = c.v.Manager.SaveSnapshot(args.Path)
		}

	case "migrate":
		var args URIArgs
		if err = decodeArgs(req.Arguments, &args); err == nil {
			err = c.v.Migrate(args.URI)
		}

	case "query-migrate":
		ret = newMigrationInfo(c.v.Manager.Query())

	case "cancel-migrate":
		err = c.v.Manager.Cancel()

	case "quit":

	default:
		return response{Error: &CommandError{Class: classCommandNotFound, Desc: fmt.Sprintf("command %q not found", req.Execute)}}
	}

	if err != nil {
		c.logger.Warnf("control: %s: %v", req.Execute, err)

		return response{Error: commandError(err)}
	}

	return response{Return: ret}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &migration.Error{Kind: migration.InvalidConfig, Op: "decode arguments", Err: errors.New("missing arguments")}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &migration.Error{Kind: migration.InvalidConfig, Op: "decode arguments", Err: err}
	}

	return nil
}

func commandError(err error) *CommandError {
	var me *migration.Error
	if errors.As(err, &me) {
		return &CommandError{Class: me.Kind.String(), Desc: err.Error()}
	}

	return &CommandError{Class: classGeneric, Desc: err.Error()}
}

// Migrate connects to uri and starts streaming the VM there. It returns
// once the migration is running; query-migrate reports the outcome. A
// connect failure leaves the status unchanged.
func (v *VMM) Migrate(uri string) error {
	if s := v.Manager.Status(); s == migration.Setup || s == migration.Active {
		return &migration.Error{Kind: migration.InvalidState, Op: "migrate", Err: fmt.Errorf("status is %s", s)}
	}

	t, err := migration.Dial(uri, v.Timeout)
	if err != nil {
		return err
	}

	return v.Manager.StartMigration(t)
}

// Client talks to a VMM control socket.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// DialControl connects to the control socket at path.
func DialControl(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("control socket %s: %w", path, err)
	}

	return &Client{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Execute runs one command. args may be nil; ret may be nil to discard the
// reply.
func (c *Client) Execute(cmd string, args, ret any) error {
	req := Request{Execute: cmd}

	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s arguments: %w", cmd, err)
		}

		req.Arguments = raw
	}

	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	var resp clientResponse
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("read %s reply: %w", cmd, err)
	}

	if resp.Error != nil {
		return resp.Error
	}

	if ret != nil && len(resp.Return) > 0 {
		if err := json.Unmarshal(resp.Return, ret); err != nil {
			return fmt.Errorf("decode %s reply: %w", cmd, err)
		}
	}

	return nil
}

func (c *Client) Snapshot(path string) error {
	return c.Execute("snapshot", PathArgs{Path: path}, nil)
}

func (c *Client) Migrate(uri string) error {
	return c.Execute("migrate", URIArgs{URI: uri}, nil)
}

func (c *Client) QueryMigrate() (MigrationInfo, error) {
	var info MigrationInfo

	err := c.Execute("query-migrate", nil, &info)

	return info, err
}

func (c *Client) CancelMigrate() error {
	return c.Execute("cancel-migrate", nil, nil)
}

func (c *Client) Quit() error {
	return c.Execute("quit", nil, nil)
}
