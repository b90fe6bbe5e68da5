package migration

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds every read and write on a network transport.
const DefaultTimeout = 30 * time.Second

// Stream is the byte stream a snapshot or migration is carried on. It
// is owned by exactly one operation at a time.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	String() string
}

// connStream applies a fresh deadline to every Read and Write so that a
// stalled peer fails the operation instead of hanging it.
type connStream struct {
	net.Conn
	timeout time.Duration
	name    string
}

// NewConnStream wraps c. A zero timeout disables deadlines.
func NewConnStream(c net.Conn, timeout time.Duration) Stream {
	return &connStream{Conn: c, timeout: timeout}
}

func (t *connStream) Read(p []byte) (int, error) {
	if t.timeout > 0 {
		if err := t.Conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
			return 0, err
		}
	}

	return t.Conn.Read(p)
}

func (t *connStream) Write(p []byte) (int, error) {
	if t.timeout > 0 {
		if err := t.Conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			return 0, err
		}
	}

	return t.Conn.Write(p)
}

func (t *connStream) String() string {
	if t.name != "" {
		return t.name
	}

	addr := t.Conn.RemoteAddr()
	if addr == nil || addr.String() == "" {
		addr = t.Conn.LocalAddr()
	}

	if addr == nil {
		return "conn"
	}

	return addr.Network() + ":" + addr.String()
}

// fileStream is a local file. It has no timeouts.
type fileStream struct {
	*os.File
}

func (f *fileStream) String() string { return "file:" + f.Name() }

// CreateFile opens path for writing a snapshot, truncating it.
func CreateFile(path string) (Stream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, &Error{Kind: Io, Op: "create snapshot file", Err: err}
	}

	return &fileStream{File: f}, nil
}

// OpenFile opens path for reading a snapshot.
func OpenFile(path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: Io, Op: "open snapshot file", Err: err}
	}

	return &fileStream{File: f}, nil
}

// ParseURI splits "unix:/path" or "tcp:host:port" into network and address.
func ParseURI(uri string) (network, addr string, err error) {
	network, addr, ok := strings.Cut(uri, ":")
	if !ok || addr == "" {
		return "", "", &Error{Kind: InvalidConfig, Op: "parse uri", Err: fmt.Errorf("malformed uri %q", uri)}
	}

	switch network {
	case "unix":
	case "tcp":
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", "", &Error{Kind: InvalidConfig, Op: "parse uri", Err: err}
		}
	default:
		return "", "", &Error{Kind: InvalidConfig, Op: "parse uri", Err: fmt.Errorf("unsupported scheme %q", network)}
	}

	return network, addr, nil
}

// Dial connects to a migration destination given as a uri. The timeout
// bounds the connect and every later read and write.
func Dial(uri string, timeout time.Duration) (Stream, error) {
	network, addr, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, &Error{Kind: Transport, Op: "dial " + uri, Err: err}
	}

	return &connStream{Conn: conn, timeout: timeout, name: uri}, nil
}

// Listen opens a listener for an incoming migration.
func Listen(uri string) (net.Listener, error) {
	network, addr, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	if network == "unix" {
		_ = os.Remove(addr)
	}

	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, &Error{Kind: Transport, Op: "listen " + uri, Err: err}
	}

	return l, nil
}
