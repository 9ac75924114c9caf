// Package server accepts client connections and runs them through the
// admission pipeline: early access check, TLS negotiation, late access
// check, then the block protocol handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/polisai/blockgate/internal/access"
	btls "github.com/polisai/blockgate/internal/tls"
	"github.com/polisai/blockgate/pkg/telemetry"
)

// ErrDenied is returned for connections rejected by the access policy.
var ErrDenied = errors.New("connection rejected by access policy")

// Config wires the server's collaborators. Gate and Negotiator are
// required; the rest have defaults.
type Config struct {
	Gate       *access.Gate
	Negotiator *btls.Negotiator
	Handler    Handler
	Logger     *slog.Logger
	Metrics    *Metrics
	Tracer     trace.Tracer
}

// Server serves connections on any number of listeners.
type Server struct {
	gate       *access.Gate
	negotiator *btls.Negotiator
	handler    Handler
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer

	conns sync.WaitGroup
}

// New returns a Server. It does not listen.
func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, errors.New("server: access gate is required")
	}
	if cfg.Negotiator == nil {
		return nil, errors.New("server: negotiator is required")
	}
	if cfg.Handler == nil {
		cfg.Handler = NullHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	return &Server{
		gate:       cfg.Gate,
		negotiator: cfg.Negotiator,
		handler:    cfg.Handler,
		logger:     cfg.Logger.With("component", "server"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}, nil
}

// ReplaceRules installs a policy built from rs for connections accepted
// from now on, keeping the current policy's debug setting. Connections
// already past accept keep their policy.
func (s *Server) ReplaceRules(rs *access.RuleSet) {
	debug := false
	if cur := s.gate.Snapshot(); cur != nil {
		debug = cur.Debug()
	}
	s.gate.Replace(access.NewPolicy(rs, s.logger, access.WithDebug(debug)))
	s.metrics.RecordPolicyReload()
	s.logger.Info("access policy replaced", "stage", s.gate.Snapshot().Stage().String())
}

// Serve accepts on every listener until ctx is cancelled, then closes the
// listeners, tears down open connections and waits for them to finish.
// Listener errors are aggregated into the returned error.
func (s *Server) Serve(ctx context.Context, listeners ...net.Listener) error {
	if len(listeners) == 0 {
		return errors.New("server: no listeners")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		errs    error
		loops   sync.WaitGroup
		closing = make(chan struct{})
	)
	for _, ln := range listeners {
		s.logger.Info("listening", "network", ln.Addr().Network(), "address", ln.Addr().String())
		loops.Add(1)
		go func(ln net.Listener) {
			defer loops.Done()
			if err := s.acceptLoop(ctx, ln, closing); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				// One broken listener stops the whole server.
				cancel()
			}
		}(ln)
	}

	<-ctx.Done()
	close(closing)
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", ln.Addr(), err))
			mu.Unlock()
		}
	}
	loops.Wait()
	s.conns.Wait()
	s.logger.Info("server stopped")
	return errs
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, closing <-chan struct{}) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-closing:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept %s: %w", ln.Addr(), err)
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			s.logger.Warn("accept failed, retrying", "address", ln.Addr().String(), "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			_ = s.ServeConn(ctx, conn, conn)
		}()
	}
}

// ServeConn runs one connection to completion. in and out may be the same
// connection. Both are closed on return, and when ctx is cancelled.
func (s *Server) ServeConn(ctx context.Context, in, out net.Conn) error {
	closeAll := func() {
		_ = in.Close()
		if out != in {
			_ = out.Close()
		}
	}
	stop := context.AfterFunc(ctx, closeAll)
	defer func() {
		stop()
		closeAll()
	}()

	c := newConnection(s, in, out)
	return c.serve(ctx)
}
