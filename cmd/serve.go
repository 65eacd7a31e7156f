package cmd

import (
	"context"
	"errors"
	"io"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sajjad-MoBe/kvs/internal/api"
	"github.com/sajjad-MoBe/kvs/internal/config"
	"github.com/sajjad-MoBe/kvs/internal/grpcPack"
	"github.com/sajjad-MoBe/kvs/internal/server"
	"github.com/sajjad-MoBe/kvs/internal/storage"
	"github.com/sajjad-MoBe/kvs/internal/telemetry"
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr          string
		adminAddr     string
		healthAddr    string
		traceEndpoint string
		threshold     int64
		syncMode      string
		strictReplay  bool
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over TCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig("info")
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("admin-addr") {
				cfg.AdminAddr = adminAddr
			}
			if flags.Changed("health-addr") {
				cfg.HealthAddr = healthAddr
			}
			if flags.Changed("trace-endpoint") {
				cfg.TraceEndpoint = traceEndpoint
			}
			if flags.Changed("compaction-threshold") {
				cfg.Storage.CompactionThreshold = threshold
			}
			if flags.Changed("sync") {
				mode, err := wal.ParseSyncMode(syncMode)
				if err != nil {
					return err
				}
				cfg.Storage.SyncMode = mode
			}
			if flags.Changed("strict-replay") {
				cfg.Storage.StrictReplay = strictReplay
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	flags := serveCmd.Flags()
	flags.StringVarP(&addr, "addr", "a", server.DefaultAddr, "Address for the protocol server to listen on")
	flags.StringVar(&adminAddr, "admin-addr", "", "Address for the admin HTTP server (disabled when empty)")
	flags.StringVar(&healthAddr, "health-addr", "", "Address for the gRPC health service (disabled when empty)")
	flags.StringVar(&traceEndpoint, "trace-endpoint", "", "Jaeger collector endpoint (tracing export disabled when empty)")
	flags.Int64Var(&threshold, "compaction-threshold", storage.DefaultCompactionThreshold, "Uncompacted bytes that trigger compaction")
	flags.StringVar(&syncMode, "sync", "none", "Segment sync mode: none or always")
	flags.BoolVar(&strictReplay, "strict-replay", false, "Fail instead of warning when a segment has a corrupt tail")
	return serveCmd
}

// serve runs every configured listener until ctx is cancelled or one of
// them fails.
func serve(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return err
	}
	cfg.Storage.Logger = logger

	store, err := storage.Open(cfg.Dir, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := telemetry.NewMetrics()
	metrics.RegisterStore(store)

	tracer, err := telemetry.NewTracer("kvs", cfg.TraceEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Flushing traces: %v", err)
		}
	}()

	dispatcher := server.NewDispatcher(store, logger, metrics, tracer)
	srv := server.New(dispatcher, server.Config{Addr: cfg.Addr, Logger: logger, Metrics: metrics})
	if err := srv.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() { errCh <- srv.Serve() }()

	health := api.NewHealthManager()
	health.RegisterChecker("storage", api.NewStorageHealthChecker(store))

	var admin *api.Server
	if cfg.AdminAddr != "" {
		listener, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			srv.Shutdown(context.Background())
			return err
		}
		admin = api.NewServer(store, api.Options{Logger: logger, Metrics: metrics, Tracer: tracer, Health: health})
		go func() { errCh <- admin.Serve(listener) }()
	}

	var grpcServer *grpcPack.Server
	if cfg.HealthAddr != "" {
		listener, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			srv.Shutdown(context.Background())
			if admin != nil {
				admin.Shutdown(context.Background())
			}
			return err
		}
		grpcServer = grpcPack.NewServer(health, logger, grpcPack.DefaultCheckInterval)
		go func() { errCh <- grpcServer.Serve(listener) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
		if errors.Is(runErr, server.ErrServerClosed) {
			runErr = nil
		}
		if runErr != nil {
			logger.Error("Listener stopped: %v", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Stop()
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Stopping admin server: %v", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Stopping protocol server: %v", err)
	}
	return runErr
}
