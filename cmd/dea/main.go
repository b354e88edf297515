package main

import (
	"context"
	"database/sql"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/wulonghui/dea-ng/internal/api"
	"github.com/wulonghui/dea-ng/internal/config"
	"github.com/wulonghui/dea-ng/internal/db"
	deagrpc "github.com/wulonghui/dea-ng/internal/grpc"
	"github.com/wulonghui/dea-ng/internal/interfaces"
	"github.com/wulonghui/dea-ng/internal/logger"
	"github.com/wulonghui/dea-ng/internal/nats"
	"github.com/wulonghui/dea-ng/internal/responders"
	"github.com/wulonghui/dea-ng/internal/staging"
	"github.com/wulonghui/dea-ng/internal/websocket"
	"github.com/wulonghui/dea-ng/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("DEA_CONFIG"), "path to the DEA TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("dea", "")
		logger.Logger.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init("dea", cfg.Logging.Level)
	logger.Logger.Info().
		Bool("staging_enabled", cfg.Staging.Enabled).
		Str("nats_url", cfg.NATS.URL).
		Msg("Starting DEA")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, database := openStore(ctx, cfg.Database)
	if database != nil {
		defer database.Close()
	}

	hub := websocket.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	manager := staging.NewManager(store, hub)
	pool := worker.NewPool(cfg.Staging.Workers, cfg.Staging.Queue)
	pool.Start()

	provisioner := staging.NewLocalProvisioner(cfg.BaseDir)
	rt := &staging.Runtime{
		Manager:         manager,
		Pool:            pool,
		Provisioner:     provisioner,
		DirectoryServer: cfg.DirectoryServer.BaseURL,
	}

	bus, err := nats.NewClient(ctx, nats.Options{
		URL:            cfg.NATS.URL,
		Name:           cfg.NATS.Name,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
		ConnectRetries: cfg.NATS.ConnectRetries,
	})
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}

	stager := responders.NewAsyncStage(bus, rt, cfg.Staging, staging.NewTask)
	if err := stager.Start(); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to start staging responder")
	}

	httpServer := api.NewServer(api.Deps{
		Tasks: manager,
		Files: provisioner,
		Hub:   hub,
		Bus:   bus,
	}, cfg.HTTP.Addr)

	grpcServer := grpc.NewServer()
	deagrpc.Register(grpcServer, deagrpc.NewServer(manager))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		logger.Logger.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC staging query server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Logger.Info().Msg("Shutting down gracefully...")

		if err := stager.Stop(); err != nil {
			logger.Logger.Warn().Err(err).Msg("Failed to stop staging responder")
		}
		bus.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Logger.Error().Err(err).Msg("Server exited with error")
	}

	// Draining the pool fulfils outstanding setups, so their replies still
	// go out before the bus closes.
	pool.Stop()
	bus.Close()
	logger.Logger.Info().Msg("DEA stopped")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (interfaces.TaskStore, *sql.DB) {
	if cfg.URL == "" {
		logger.Logger.Info().Msg("No database configured, keeping staging tasks in memory")
		return db.NewMemoryStore(), nil
	}

	dbCfg := db.DefaultConfig()
	dbCfg.URL = cfg.URL
	if cfg.MaxOpenConns > 0 {
		dbCfg.MaxOpenConns = cfg.MaxOpenConns
	}

	database, err := db.Connect(ctx, dbCfg)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if cfg.MigrateOnBoot {
		if err := db.RunMigrations(database); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}
	return db.NewStore(database), database
}
