package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"github.com/mdlayher/vsock"
	"go.uber.org/multierr"

	btls "github.com/polisai/blockgate/internal/tls"
	"github.com/polisai/blockgate/pkg/config"
)

// Listen opens every listener cfg names. On failure the listeners opened
// so far are closed. Inetd mode opens nothing; use InetdConn.
func Listen(cfg config.ListenConfig) ([]net.Listener, error) {
	var listeners []net.Listener
	fail := func(err error) ([]net.Listener, error) {
		for _, ln := range listeners {
			err = multierr.Append(err, ln.Close())
		}
		return nil, err
	}

	for _, addr := range cfg.TCP {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fail(fmt.Errorf("listen tcp %s: %w", addr, err))
		}
		listeners = append(listeners, ln)
	}

	if cfg.Unix != "" {
		if err := removeStaleSocket(cfg.Unix); err != nil {
			return fail(err)
		}
		ln, err := net.Listen("unix", cfg.Unix)
		if err != nil {
			return fail(fmt.Errorf("listen unix %s: %w", cfg.Unix, err))
		}
		listeners = append(listeners, ln)
	}

	if cfg.VsockPort != 0 {
		ln, err := vsock.Listen(cfg.VsockPort, nil)
		if err != nil {
			return fail(fmt.Errorf("listen vsock port %d: %w", cfg.VsockPort, err))
		}
		listeners = append(listeners, ln)
	}

	return listeners, nil
}

// removeStaleSocket deletes a socket left behind by a previous run. Any
// other kind of file at path is left alone and reported.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat unix socket %s: %w", path, err)
	}
	if fi.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("unix socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale unix socket %s: %w", path, err)
	}
	return nil
}

// InetdConn returns the single connection of inetd mode. When stdin is a
// socket it is used for both directions; otherwise stdin and stdout are
// joined into one duplex connection with no peer address.
func InetdConn(stdin, stdout *os.File) (in, out net.Conn) {
	if c, err := net.FileConn(stdin); err == nil {
		return c, c
	}
	c := btls.NewDuplexConn(stdin, stdout)
	return c, c
}
