package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/nellis-auction-tracker/internal/api/rest"
	"github.com/davidleathers/nellis-auction-tracker/internal/api/websocket"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/config"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/nellis"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/secrets"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/sse"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/store"
	"github.com/davidleathers/nellis-auction-tracker/internal/infrastructure/telemetry"
	"github.com/davidleathers/nellis-auction-tracker/internal/service/monitor"
)

// Exit codes: 1 means the process never got going (bad config, failed
// construction), 2 means the serving loop died on its own.
const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		return exitStartup
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitStartup
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return exitStartup
	}
	defer func() { _ = logger.Sync() }()

	// Signal context drives the shutdown sequence only. Long-lived
	// components get explicit Stop calls so teardown stays ordered.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = cfg.Version
	tel.Environment = cfg.Environment
	tel.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.ServiceName != "" {
		tel.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tel.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	provider, err := telemetry.InitializeTracing(ctx, tel)
	if err != nil {
		logger.Error("initialize tracing", zap.Error(err))
		return exitStartup
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	st, err := store.NewRedisStore(&cfg.Redis, logger)
	if err != nil {
		logger.Error("build store", zap.Error(err))
		return exitStartup
	}

	sealer, err := secrets.NewSealer(cfg.Security.EncryptionSecret)
	if err != nil {
		logger.Error("build sealer", zap.Error(err))
		return exitStartup
	}
	creds := secrets.NewCredentials(sealer, st, logger)
	if err := creds.Load(ctx); err != nil {
		logger.Warn("could not restore credentials", zap.Error(err))
	}

	client, err := nellis.NewClient(&cfg.Upstream, creds, logger)
	if err != nil {
		logger.Error("build upstream client", zap.Error(err))
		return exitStartup
	}

	live, err := sse.NewClient(cfg.SSE, logger)
	if err != nil {
		logger.Error("build sse client", zap.Error(err))
		return exitStartup
	}

	hub := websocket.NewHub(cfg, logger)

	mon, err := monitor.New(cfg, st, client, live, hub, logger)
	if err != nil {
		logger.Error("build monitor", zap.Error(err))
		return exitStartup
	}
	hub.BindCore(mon)

	srv, err := rest.NewServer(cfg, rest.Deps{
		Core:     mon,
		Creds:    creds,
		Upstream: client,
		Store:    st,
		Streams:  live,
		Hub:      hub,
	}, logger)
	if err != nil {
		logger.Error("build http server", zap.Error(err))
		return exitStartup
	}

	// Components run against the background context; the recovery pass
	// inside Start re-registers every persisted auction that has not ended.
	appCtx := context.Background()
	go hub.Run(appCtx)
	if err := mon.Start(appCtx); err != nil {
		logger.Error("start monitor", zap.Error(err))
		return exitStartup
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-runCtx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(drainCtx)
	})

	logger.Info("nellis auction tracker ready",
		zap.String("version", cfg.Version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("sse", cfg.SSE.Enabled),
		zap.Bool("store_connected", st.Stats().Connected),
	)

	runErr := g.Wait()

	// REST has drained; stop the rest back to front. Stop persists every
	// live record, so the store must close last.
	mon.Stop()
	live.DisconnectAll()
	hub.Stop()
	if err := st.Close(); err != nil {
		logger.Warn("store close", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("server exited", zap.Error(runErr))
		return exitRuntime
	}
	logger.Info("shutdown complete")
	return exitOK
}
