// Package main is the entry point for the blockgate binary. It serves
// block-device clients behind an access policy and optional TLS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/blockgate/internal/access"
	"github.com/polisai/blockgate/internal/server"
	btls "github.com/polisai/blockgate/internal/tls"
	"github.com/polisai/blockgate/pkg/config"
	"github.com/polisai/blockgate/pkg/logging"
	"github.com/polisai/blockgate/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var te *btls.TLSError
		if errors.As(err, &te) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", te.GetDetailedMessage())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// newRootCmd creates the command tree. The root command serves.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blockgate",
		Short: "Block device server with access rules and TLS",
		Long: `blockgate accepts block-device clients on TCP, unix and vsock sockets
(or a single inetd connection), filters them with allow/deny rules and
optionally requires TLS with certificates or pre-shared keys.

Example:
  blockgate --tls require --tls-verify-peer \
    --allow 'dn:CN=*,O=Example' --deny any`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	addServeFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept and serve clients (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addServeFlags(serveCmd)

	rootCmd.AddCommand(serveCmd, newRulesCmd(), newPKICmd(), newPSKCmd())
	return rootCmd
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "Path to configuration file (YAML)")

	f.StringArray("listen", nil, "TCP address to listen on (repeatable)")
	f.String("unix", "", "Unix socket path to listen on")
	f.Uint32("vsock-port", 0, "vsock port to listen on")
	f.BoolP("inetd", "s", false, "Serve a single connection on stdin/stdout")

	f.String("tls", "", "TLS mode: off, on or require")
	f.String("tls-certificates", "", "Directory holding ca-cert.pem, server-cert.pem and server-key.pem")
	f.String("tls-psk", "", "PSK file of username:hexkey lines")
	f.Bool("tls-verify-peer", false, "Request and verify client certificates")
	f.Duration("tls-handshake-timeout", 0, "Bound on a single TLS handshake")
	f.Bool("tls-debug-session", false, "Log negotiated session details")

	addRuleFlags(cmd)
	f.Bool("debug-rules", false, "Log every rule, every peer and every rule comparison")

	f.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	f.Bool("pretty", false, "Human-readable console logs")
	f.String("metrics-address", "", "Address for the Prometheus /metrics endpoint")
	f.String("otlp-endpoint", "", "OTLP/gRPC collector host:port for connection traces")
}

func addRuleFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArray("allow", nil, "Allow rule list, comma separated (repeatable)")
	f.StringArray("deny", nil, "Deny rule list, comma separated (repeatable)")
	f.String("rules-file", "", "YAML file with allow and deny lists, reloaded on change")
}

// buildConfig loads the config file and applies flags that were set on the
// command line on top of it.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if f.Changed("listen") || f.Changed("unix") || f.Changed("vsock-port") || f.Changed("inetd") {
		cfg.Listen = config.ListenConfig{}
		cfg.Listen.TCP, _ = f.GetStringArray("listen")
		cfg.Listen.Unix, _ = f.GetString("unix")
		cfg.Listen.VsockPort, _ = f.GetUint32("vsock-port")
		cfg.Listen.Inetd, _ = f.GetBool("inetd")
	}

	if f.Changed("tls") {
		cfg.TLS.Mode, _ = f.GetString("tls")
		cfg.TLS.ModeExplicit = true
	}
	if f.Changed("tls-certificates") {
		cfg.TLS.Certificates, _ = f.GetString("tls-certificates")
	}
	if f.Changed("tls-psk") {
		cfg.TLS.PSK, _ = f.GetString("tls-psk")
	}
	if f.Changed("tls-verify-peer") {
		cfg.TLS.VerifyPeer, _ = f.GetBool("tls-verify-peer")
	}
	if f.Changed("tls-handshake-timeout") {
		cfg.TLS.HandshakeTimeout, _ = f.GetDuration("tls-handshake-timeout")
	}
	if f.Changed("tls-debug-session") {
		cfg.TLS.DebugSession, _ = f.GetBool("tls-debug-session")
	}

	applyRuleFlags(cmd, &cfg.Access)
	if f.Changed("debug-rules") {
		cfg.Access.DebugRules, _ = f.GetBool("debug-rules")
	}

	if f.Changed("log-level") {
		cfg.Logging.Level, _ = f.GetString("log-level")
	}
	if f.Changed("pretty") {
		cfg.Logging.Pretty, _ = f.GetBool("pretty")
	}
	if f.Changed("metrics-address") {
		cfg.Metrics.Address, _ = f.GetString("metrics-address")
	}
	if f.Changed("otlp-endpoint") {
		cfg.Telemetry.Endpoint, _ = f.GetString("otlp-endpoint")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyRuleFlags appends command-line rules after the configured ones, as
// repeated options do.
func applyRuleFlags(cmd *cobra.Command, ac *config.AccessConfig) {
	f := cmd.Flags()
	allow, _ := f.GetStringArray("allow")
	deny, _ := f.GetStringArray("deny")
	ac.Allow = append(ac.Allow, allow...)
	ac.Deny = append(ac.Deny, deny...)
	if f.Changed("rules-file") {
		ac.RulesFile, _ = f.GetString("rules-file")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	negotiator, err := btls.NewNegotiator(cfg.TLS.Options(), logger)
	if err != nil {
		return err
	}

	rules, err := cfg.Access.RuleSet()
	if err != nil {
		return err
	}
	policy := access.NewPolicy(rules, logger, access.WithDebug(cfg.Access.DebugRules))

	metrics := server.NewMetrics()
	srv, err := server.New(server.Config{
		Gate:       access.NewGate(policy),
		Negotiator: negotiator,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	if cfg.Access.RulesFile != "" {
		base := config.RulesFile{Allow: cfg.Access.Allow, Deny: cfg.Access.Deny}
		watcher, err := config.NewRulesWatcher(cfg.Access.RulesFile, base, logger, srv.ReplaceRules)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	if cfg.Metrics.Address != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Address, metrics, logger)
		defer stopMetrics()
	}

	logger.Info("Starting blockgate",
		"tls", negotiator.String(),
		"filtering", policy.Stage().String(),
		"allow_rules", len(policy.Rules().Allow()),
		"deny_rules", len(policy.Rules().Deny()),
		"inetd", cfg.Listen.Inetd,
	)

	if cfg.Listen.Inetd {
		in, out := server.InetdConn(os.Stdin, os.Stdout)
		if err := srv.ServeConn(ctx, in, out); err != nil && !errors.Is(err, server.ErrDenied) {
			return err
		}
		return nil
	}

	listeners, err := server.Listen(cfg.Listen)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, listeners...)
}

func serveMetrics(addr string, m *server.Metrics, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "address", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
}
