package tls

import (
	"errors"
	"io"
	"net"
)

// MaxCorkedBytes is the merge threshold for corked sends. A send that would
// push the corked total past it flushes what is buffered and goes out on
// its own, since it spans several segments anyway.
const MaxCorkedBytes = 64 * 1024

// ShutdownHow selects which direction Shutdown closes.
type ShutdownHow int

const (
	ShutdownWrite ShutdownHow = iota
	ShutdownBoth
)

// Transport moves block-protocol bytes for one connection. It is chosen
// once at connection setup and used for the rest of the connection's life.
type Transport interface {
	// Recv fills buf completely. It returns io.EOF if the stream ended
	// cleanly before any byte was read, and an error wrapping ErrTruncated
	// if it ended after some.
	Recv(buf []byte) error
	// Send writes all of buf. With more set, small writes are held back and
	// merged with the following ones.
	Send(buf []byte, more bool) error
	// Shutdown never reports errors; the peer may already be gone.
	Shutdown(how ShutdownHow)

	// PeerDN and PeerIssuerDN are empty unless a client certificate chain
	// was presented and verified.
	PeerDN() string
	PeerIssuerDN() string
	Secure() bool
	// Conn is the connection bytes are read from and written to.
	Conn() net.Conn
}

type halfCloser interface {
	CloseWrite() error
}

// stream implements the parts shared by both transports.
type stream struct {
	conn net.Conn
	cork []byte

	bytesRead    int64
	bytesWritten int64
}

func (s *stream) recv(buf []byte) error {
	n, err := io.ReadFull(s.conn, buf)
	s.bytesRead += int64(n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return NewTLSErrorWithCause(ErrorTypeTruncatedRecord, "recv", ErrTruncated).
			WithContext("wanted", len(buf))
	case errors.Is(err, io.EOF):
		return io.EOF
	default:
		return newRecordError("recv", err)
	}
}

func (s *stream) send(buf []byte, more bool) error {
	if len(s.cork)+len(buf) > MaxCorkedBytes {
		if err := s.flush(); err != nil {
			return err
		}
		return s.write(buf)
	}
	s.cork = append(s.cork, buf...)
	if more {
		return nil
	}
	return s.flush()
}

func (s *stream) flush() error {
	if len(s.cork) == 0 {
		return nil
	}
	err := s.write(s.cork)
	s.cork = s.cork[:0]
	return err
}

func (s *stream) write(buf []byte) error {
	n, err := s.conn.Write(buf)
	s.bytesWritten += int64(n)
	if err != nil {
		return newRecordError("send", err)
	}
	return nil
}

func (s *stream) shutdown(how ShutdownHow) {
	_ = s.flush()
	if how == ShutdownWrite {
		if hc, ok := s.conn.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
		return
	}
	_ = s.conn.Close()
}

// PlainTransport sends bytes over the raw connection.
type PlainTransport struct {
	stream
}

// NewPlainTransport wraps in and out. out may be nil or equal to in for a
// normal socket.
func NewPlainTransport(in, out net.Conn) *PlainTransport {
	return &PlainTransport{stream{conn: joinConns(in, out)}}
}

func (t *PlainTransport) Recv(buf []byte) error            { return t.recv(buf) }
func (t *PlainTransport) Send(buf []byte, more bool) error { return t.send(buf, more) }
func (t *PlainTransport) Shutdown(how ShutdownHow)         { t.shutdown(how) }
func (t *PlainTransport) PeerDN() string                   { return "" }
func (t *PlainTransport) PeerIssuerDN() string             { return "" }
func (t *PlainTransport) Secure() bool                     { return false }
func (t *PlainTransport) Conn() net.Conn                   { return t.conn }

// SecureTransport sends bytes through a negotiated session.
type SecureTransport struct {
	stream
	info    *SessionInfo
	onClose func(bytesRead, bytesWritten int64)
	closed  bool
}

func newSecureTransport(conn net.Conn, info *SessionInfo, onClose func(int64, int64)) *SecureTransport {
	return &SecureTransport{stream: stream{conn: conn}, info: info, onClose: onClose}
}

func (t *SecureTransport) Recv(buf []byte) error            { return t.recv(buf) }
func (t *SecureTransport) Send(buf []byte, more bool) error { return t.send(buf, more) }
func (t *SecureTransport) Secure() bool                     { return true }
func (t *SecureTransport) Conn() net.Conn                   { return t.conn }

// Shutdown with ShutdownWrite sends the close notification only. With
// ShutdownBoth it also closes the underlying connection, both halves of it
// for a duplex connection.
func (t *SecureTransport) Shutdown(how ShutdownHow) {
	t.shutdown(how)
	if how == ShutdownBoth && !t.closed {
		t.closed = true
		if t.onClose != nil {
			t.onClose(t.bytesRead, t.bytesWritten)
		}
	}
}

func (t *SecureTransport) PeerDN() string {
	if t.info == nil {
		return ""
	}
	return t.info.PeerDN
}

func (t *SecureTransport) PeerIssuerDN() string {
	if t.info == nil {
		return ""
	}
	return t.info.PeerIssuerDN
}

// Session describes the negotiated session.
func (t *SecureTransport) Session() *SessionInfo { return t.info }
