package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/plover-labs/feedflow/engine"
	feedotel "github.com/plover-labs/feedflow/otel"
	"github.com/plover-labs/feedflow/pipeline"
	"github.com/plover-labs/feedflow/server"
	"github.com/plover-labs/feedflow/store"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the feed HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().StringP("graphs-dir", "g", "", "Directory of graph definitions")
	cmd.Flags().String("db", "", "SQLite database path (default: in-memory store)")
	cmd.Flags().String("config", "", "Path to feedflow.yaml (default: ./feedflow.yaml, then ~/.feedflow/config.yaml)")
	cmd.Flags().String("reload-cron", "", "UTC cron expression for periodic graph reloads")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP collector endpoint for span export")
	cmd.Flags().Bool("otlp-insecure", false, "Export spans over plain HTTP")
	cmd.Flags().Float64("sample-ratio", 1, "Trace head-sampling ratio in (0, 1]")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	cfg, err := server.ResolveConfig(explicitConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, &cfg)

	if cfg.GraphsDir == "" {
		return exitError(exitValidation, "no graphs directory configured: pass --graphs-dir or set graphs_dir in feedflow.yaml")
	}

	logger := slog.Default()

	backend, err := openStore(cfg.DB)
	if err != nil {
		return exitError(exitRuntime, "opening store: %v", err)
	}
	defer func() {
		_ = backend.Close()
	}()

	otlpInsecure, _ := cmd.Flags().GetBool("otlp-insecure")
	shutdownTracing, err := feedotel.SetupTracing(cmd.Context(), feedotel.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.SampleRatio,
		Insecure:    otlpInsecure,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.OTLPEndpoint != "" {
		tracing := feedotel.NewTracingHandler(otelapi.Tracer("feedflow/engine"))
		metrics, err := feedotel.NewMetricsHandler(otelapi.Meter("feedflow/engine"))
		if err != nil {
			return exitError(exitRuntime, "initializing engine metrics: %v", err)
		}
		opts = append(opts, pipeline.WithEventHandler(engine.MultiEventHandler(tracing.Handle, metrics.Handle)))
	}

	runtime, err := pipeline.NewFromDirectory(cfg.GraphsDir, opts...)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "graphs directory not found: %s", cfg.GraphsDir)
		}
		return exitError(exitRuntime, "loading graphs: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d graph(s) from %s\n", len(runtime.Graphs()), cfg.GraphsDir)

	if cfg.ReloadCron != "" {
		reloader, err := server.NewGraphReloader(server.GraphReloaderConfig{
			Runtime: runtime,
			Dir:     cfg.GraphsDir,
			Cron:    cfg.ReloadCron,
			Logger:  logger,
		})
		if err != nil {
			return exitError(exitValidation, "invalid reload schedule: %v", err)
		}
		if err := reloader.Start(cmd.Context()); err != nil {
			return fmt.Errorf("starting graph reloader: %w", err)
		}
		defer func() {
			_ = reloader.Stop(context.Background())
		}()
	}

	srv := server.NewServer(server.ServerConfig{
		Runtime:    runtime,
		Backend:    backend,
		CORSOrigin: cfg.CORSOrigin,
		MaxBody:    cfg.MaxBody,
		Logger:     logger,
	})

	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "FeedFlow listening on %s\n", addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// applyServeFlags overlays explicitly-set flags onto the file/env config.
func applyServeFlags(cmd *cobra.Command, cfg *server.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("graphs-dir") {
		cfg.GraphsDir, _ = flags.GetString("graphs-dir")
	}
	if flags.Changed("db") {
		cfg.DB, _ = flags.GetString("db")
	}
	if flags.Changed("reload-cron") {
		cfg.ReloadCron, _ = flags.GetString("reload-cron")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if flags.Changed("sample-ratio") {
		cfg.SampleRatio, _ = flags.GetFloat64("sample-ratio")
	}
	if flags.Changed("max-body") {
		cfg.MaxBody, _ = flags.GetInt64("max-body")
	}
}

// openStore opens the SQLite store at dsn, or the in-memory store when
// dsn is empty.
func openStore(dsn string) (store.Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dsn})
}
