package platform

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// UnixSocket implements IPCTransport over a Unix domain socket.
type UnixSocket struct {
	Path string
}

// NewUnixSocket creates a transport bound to path.
func NewUnixSocket(path string) *UnixSocket {
	return &UnixSocket{Path: path}
}

// Listener creates a Unix domain socket listener for the gRPC server.
func (t *UnixSocket) Listener() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	// Remove stale socket file from previous run.
	os.Remove(t.Path)
	ln, err := net.Listen("unix", t.Path)
	if err != nil {
		return nil, err
	}
	// Owner and group only; the control socket can stop protection.
	if err := os.Chmod(t.Path, 0o660); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Dial connects to the daemon's Unix domain socket.
func (t *UnixSocket) Dial(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", t.Path, timeout)
}
