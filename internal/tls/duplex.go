package tls

import (
	"io"
	"net"
	"time"

	"go.uber.org/multierr"
)

// duplexConn joins a read side and a write side into one net.Conn, for
// transports such as inetd where the two directions are separate
// descriptors.
type duplexConn struct {
	r      io.ReadCloser
	w      io.WriteCloser
	local  net.Addr
	remote net.Addr
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// NewDuplexConn joins r and w. Addresses come from r when it is a
// net.Conn, otherwise they are "pipe" addresses that no address rule
// matches.
func NewDuplexConn(r io.ReadCloser, w io.WriteCloser) net.Conn {
	d := &duplexConn{r: r, w: w, local: pipeAddr("local"), remote: pipeAddr("remote")}
	if c, ok := r.(net.Conn); ok {
		d.local, d.remote = c.LocalAddr(), c.RemoteAddr()
	}
	return d
}

func joinConns(in, out net.Conn) net.Conn {
	if out == nil || out == in {
		return in
	}
	return NewDuplexConn(in, out)
}

func (d *duplexConn) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexConn) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexConn) LocalAddr() net.Addr         { return d.local }
func (d *duplexConn) RemoteAddr() net.Addr        { return d.remote }

// CloseWrite shuts the write side, closing it outright if it cannot be
// half-closed.
func (d *duplexConn) CloseWrite() error {
	if hc, ok := d.w.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return d.w.Close()
}

// Close closes both sides.
func (d *duplexConn) Close() error {
	return multierr.Append(d.r.Close(), d.w.Close())
}

type readDeadliner interface{ SetReadDeadline(time.Time) error }
type writeDeadliner interface{ SetWriteDeadline(time.Time) error }

func (d *duplexConn) SetDeadline(t time.Time) error {
	return multierr.Append(d.SetReadDeadline(t), d.SetWriteDeadline(t))
}

func (d *duplexConn) SetReadDeadline(t time.Time) error {
	if rd, ok := d.r.(readDeadliner); ok {
		return rd.SetReadDeadline(t)
	}
	return nil
}

func (d *duplexConn) SetWriteDeadline(t time.Time) error {
	if wd, ok := d.w.(writeDeadliner); ok {
		return wd.SetWriteDeadline(t)
	}
	return nil
}
