package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arandu-chain-sync/internal/aggregator"
	"arandu-chain-sync/internal/blockchain"
	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/contracts"
	"arandu-chain-sync/internal/handler"
	"arandu-chain-sync/internal/ingestion"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/internal/reward"
	"arandu-chain-sync/internal/scheduler"
	"arandu-chain-sync/internal/service"
	"arandu-chain-sync/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

func main() {
	var configPath string

	app := &cli.App{
		Name:  "arandu-chain-sync",
		Usage: "blockchain event ingestion and reward issuance engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to the YAML config file",
				EnvVars:     []string{"CONFIG_PATH"},
				Value:       "config/config.yaml",
				Destination: &configPath,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run ingestion, the snapshot scheduler and the HTTP API",
				Action: func(c *cli.Context) error {
					return withApp(configPath, serve)
				},
			},
			{
				Name:  "migrate",
				Usage: "create or update the database schema",
				Action: func(c *cli.Context) error {
					return withApp(configPath, func(cfg *config.Config, db *gorm.DB) error {
						if err := repository.Migrate(db); err != nil {
							return fmt.Errorf("migrate: %w", err)
						}
						logger.Info("Database schema is up to date")
						return nil
					})
				},
			},
			{
				Name:  "snapshot",
				Usage: "capture one metrics snapshot and exit",
				Action: func(c *cli.Context) error {
					return withApp(configPath, func(cfg *config.Config, db *gorm.DB) error {
						agg := newAggregator(db)
						defer agg.Close()
						snap, err := agg.Capture(c.Context)
						if err != nil {
							return err
						}
						logger.WithFields(map[string]interface{}{
							"snapshot_id":        snap.ID,
							"tokens_distributed": snap.TotalTokensDistributed,
						}).Info("Snapshot stored")
						return nil
					})
				},
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// withApp loads config, initialises logging and opens the database around fn.
func withApp(configPath string, fn func(cfg *config.Config, db *gorm.DB) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logFile, err := logger.Init(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logFile.Close()

	db, err := repository.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := repository.Close(db); err != nil {
			logger.WithError(err).Error("Failed to close database")
		}
	}()

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return fn(cfg, db)
}

func newAggregator(db *gorm.DB) *aggregator.Aggregator {
	return aggregator.New(aggregator.Sources{
		Users:   repository.NewUserRepo(db),
		Rewards: repository.NewRewardRepo(db),
		Events:  repository.NewEventRepo(db),
		Cache:   repository.NewCacheRepo(db),
		Sync:    repository.NewSyncStatusRepo(db),
	}, repository.NewSnapshotRepo(db), 4)
}

func newLocker(cfg config.RedisConfig) (ingestion.Locker, func()) {
	if cfg.Addr == "" {
		return ingestion.NewLocalLocker(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logger.WithFields(map[string]interface{}{"addr": cfg.Addr}).Info("Using redis ingestion lock")
	return ingestion.NewRedisLocker(client), func() { _ = client.Close() }
}

func serve(cfg *config.Config, db *gorm.DB) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := blockchain.Dial(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	signer, err := blockchain.NewSigner(client.Backend(), cfg.Signer, chainID, client.Timeout())
	if err != nil {
		return err
	}
	defer signer.Close()

	logger.WithFields(map[string]interface{}{
		"chain_id": chainID.String(),
		"signer":   signer.Address().Hex(),
	}).Info("Connected to chain")

	gateway := contracts.NewGateway(client, signer, contracts.AddressesFromConfig(cfg.Contracts), cfg.Signer)

	events := repository.NewEventRepo(db)
	rewards := repository.NewRewardRepo(db)
	status := repository.NewSyncStatusRepo(db)
	cache := repository.NewCacheRepo(db)

	formula, err := reward.NewFormula(cfg.Reward)
	if err != nil {
		return fmt.Errorf("reward formula: %w", err)
	}
	orchestrator := reward.NewOrchestrator(rewards, events, gateway, formula, cfg.Reward)

	agg := newAggregator(db)
	defer agg.Close()

	snapshots := scheduler.NewSnapshotScheduler(agg, cfg.Metrics.SnapshotCron)
	if err := snapshots.Start(); err != nil {
		return fmt.Errorf("start snapshot scheduler: %w", err)
	}
	defer snapshots.Stop()

	var cycles service.CycleSource
	ingestDone := make(chan error, 1)
	if cfg.Ingestion.Enabled {
		locker, closeLocker := newLocker(cfg.Redis)
		defer closeLocker()

		supervisor, err := ingestion.NewSupervisorFromConfig(cfg, client, events, status, locker, ingestion.RealClock())
		if err != nil {
			return err
		}
		cycles = supervisor
		go func() {
			ingestDone <- supervisor.Run(ctx)
		}()
	} else {
		logger.Warn("Event ingestion disabled by config")
	}

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(handler.Handlers{
		Activity:  handler.NewActivityHandler(orchestrator),
		Dashboard: handler.NewDashboardHandler(service.NewDashboardService(cache, events, gateway)),
		Stats:     handler.NewStatsHandler(agg),
		Health:    handler.NewHealthHandler(service.NewHealthService(signer, status, cycles)),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{"port": cfg.Server.Port}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.WithError(err).Error("Server failed")
		cancel()
	case err := <-ingestDone:
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Ingestion stopped")
		}
		cancel()
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	logger.Info("Server stopped")
	return nil
}
