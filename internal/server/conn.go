package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/blockgate/internal/access"
	"github.com/polisai/blockgate/internal/peer"
	btls "github.com/polisai/blockgate/internal/tls"
	"github.com/polisai/blockgate/pkg/telemetry"
)

type connection struct {
	srv    *Server
	id     string
	in     net.Conn
	out    net.Conn
	logger *slog.Logger
	desc   *peer.Descriptor
}

func newConnection(s *Server, in, out net.Conn) *connection {
	id := uuid.NewString()
	return &connection{
		srv:    s,
		id:     id,
		in:     in,
		out:    out,
		logger: s.logger.With("conn_id", id, "remote", remoteString(in)),
	}
}

func remoteString(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

// peer returns the descriptor as an access.Peer, nil when the address
// could not be determined.
func (c *connection) peer() access.Peer {
	if c.desc == nil {
		return nil
	}
	return c.desc
}

func (c *connection) serve(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := c.srv.tracer.Start(ctx, "blockgate.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("connection.id", c.id)),
	)
	defer span.End()

	family := "unknown"
	if desc, derr := peer.Describe(c.in); derr != nil {
		c.logger.DebugContext(ctx, "peer address unavailable", "error", derr)
	} else {
		c.desc = desc
		family = desc.Family().String()
		if port := desc.Port(); port != 0 {
			span.SetAttributes(attribute.Int64("peer.port", int64(port)))
		}
	}
	span.SetAttributes(attribute.String("peer.family", family))

	c.srv.metrics.RecordConnectionStart(family)
	defer func() {
		c.srv.metrics.RecordConnectionEnd(time.Since(start))
		if err != nil {
			c.logger.InfoContext(ctx, "connection closed", "duration", time.Since(start), "error", err)
		} else {
			c.logger.DebugContext(ctx, "connection closed", "duration", time.Since(start))
		}
	}()

	policy := c.srv.gate.Snapshot()

	if err := c.admit(ctx, span, policy.Preconnect(ctx, c.peer())); err != nil {
		return err
	}

	transport, err := c.negotiate(ctx, span)
	if err != nil {
		return err
	}
	defer transport.Shutdown(btls.ShutdownBoth)

	if c.desc != nil {
		c.desc.SetIdentity(transport)
	}

	if err := c.admit(ctx, span, policy.Late(ctx, c.peer())); err != nil {
		return err
	}

	return c.srv.handler.Serve(ctx, &Conn{
		ID:        c.id,
		Transport: transport,
		Peer:      c.desc,
		Logger:    c.logger,
	})
}

func (c *connection) admit(ctx context.Context, span trace.Span, v access.Verdict) error {
	c.srv.metrics.RecordAdmission(v)
	telemetry.RecordAdmission(span, v)
	if v.Decision == access.Allow {
		return nil
	}

	attrs := []any{"stage", v.Stage.String(), "reason", v.Reason}
	if c.desc != nil && c.desc.Port() != 0 {
		attrs = append(attrs, "port", c.desc.Port())
	}
	if v.Rule != nil {
		attrs = append(attrs, "list", v.List, "rule", v.Rule.String())
	}
	c.logger.WarnContext(ctx, "client not allowed by access rules", attrs...)
	return fmt.Errorf("%w: %s", ErrDenied, v.Reason)
}

func (c *connection) negotiate(ctx context.Context, span trace.Span) (btls.Transport, error) {
	n := c.srv.negotiator
	if !n.Active() {
		telemetry.RecordSession(span, btls.AuthNone.String(), false, "")
		return btls.NewPlainTransport(c.in, c.out), nil
	}

	t, err := n.Negotiate(ctx, c.in, c.out)
	if err != nil {
		c.srv.metrics.RecordNegotiationFailure(err)
		telemetry.RecordNegotiationFailure(span, err)
		return nil, err
	}
	telemetry.RecordSession(span, n.AuthKind().String(), t.Secure(), t.PeerDN())
	if st, ok := t.(*btls.SecureTransport); ok && st.Session() != nil {
		info := st.Session()
		telemetry.RecordSessionParameters(span, info.Version, info.CipherSuite, info.Username)
	}
	return t, nil
}
