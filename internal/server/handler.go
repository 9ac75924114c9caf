package server

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/polisai/blockgate/internal/peer"
	btls "github.com/polisai/blockgate/internal/tls"
)

// Conn is an admitted connection handed to a Handler.
type Conn struct {
	ID        string
	Transport btls.Transport
	// Peer is nil when the remote address could not be determined.
	Peer   *peer.Descriptor
	Logger *slog.Logger
}

// Handler runs the block protocol over an admitted connection. Serve
// returns when the client is done; the server shuts the transport down
// afterwards.
type Handler interface {
	Serve(ctx context.Context, c *Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Conn) error

func (f HandlerFunc) Serve(ctx context.Context, c *Conn) error { return f(ctx, c) }

// NullHandler exports nothing. It reads and discards until the client
// closes the connection.
type NullHandler struct{}

func (NullHandler) Serve(ctx context.Context, c *Conn) error {
	buf := make([]byte, 1)
	var n int64
	for {
		err := c.Transport.Recv(buf)
		switch {
		case err == nil:
			n++
		case errors.Is(err, io.EOF):
			c.Logger.DebugContext(ctx, "client closed connection", "discarded_bytes", n)
			return nil
		default:
			return err
		}
	}
}
