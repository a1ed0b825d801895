package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harbordb/kvengine/internal/config"
	"github.com/harbordb/kvengine/internal/health"
	"github.com/harbordb/kvengine/internal/metrics"
	"github.com/harbordb/kvengine/internal/model"
	"github.com/harbordb/kvengine/internal/server"
	"github.com/harbordb/kvengine/internal/service"
	"github.com/harbordb/kvengine/internal/vbucket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvengine",
		Short: "Distributed key-value storage engine node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("bucket", cfg.Bucket.Name),
		zap.Int("num_vbuckets", cfg.Bucket.NumVBuckets))

	// Initialize metrics
	m := metrics.NewMetrics(cfg.Server.NodeID)

	// Initialize engine service
	engineSvc := service.NewEngineService(
		&service.EngineConfig{
			NodeID:             cfg.Server.NodeID,
			NumVBuckets:        cfg.Bucket.NumVBuckets,
			MaxReplicas:        cfg.Bucket.MaxReplicas,
			FailoverMaxEntries: cfg.Failover.MaxEntries,
			DefaultTimeout:     cfg.Durability.DefaultTimeout,
		},
		m,
		logger,
	)

	// Initialize health checker
	checker := health.NewChecker(&health.Config{
		NodeID: cfg.Server.NodeID,
		Sample: func() model.HealthMetrics {
			var hm model.HealthMetrics
			engineSvc.VBuckets().ForEach(func(vb *vbucket.VBucket) {
				hm.TrackedWrites += vb.Monitor().NumTracked()
				hm.CommittedWrites += vb.NumCommitted()
				hm.AbortedWrites += vb.NumAborted()
			})
			return hm
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Start(ctx)

	// Start the durability timeout sweeper
	timeoutSvc := service.NewTimeoutService(
		&service.TimeoutConfig{
			SweepInterval: cfg.Durability.TimeoutSweepInterval,
			Workers:       cfg.Durability.SweepWorkers,
			QueueSize:     cfg.Durability.SweepQueueSize,
		},
		engineSvc.VBuckets(),
		m,
		logger,
	)
	timeoutSvc.Start()
	defer timeoutSvc.Stop()

	// Initialize gossip service if enabled
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(
			&service.GossipConfig{
				Enabled:        cfg.Gossip.Enabled,
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			cfg.Server.NodeID,
			engineSvc.NodeDown,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		}
	}

	// Start the metrics server
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: cfg.Metrics.Port, Path: cfg.Metrics.Path},
			m, checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}

	// Start the gRPC health server
	grpcServer := server.NewGRPCServer(
		&server.GRPCServerConfig{Host: cfg.Server.Host, Port: cfg.Server.Port},
		checker, logger)
	if err := grpcServer.Start(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	// Periodic stats collection
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				engineSvc.CollectStats()
				if gossipSvc != nil {
					m.GossipMembersTotal.Set(float64(gossipSvc.NumMembers()))
					m.GossipMembersHealthy.Set(float64(gossipSvc.HealthyMembers()))
				}
			}
		}
	}()

	logger.Info("Engine node started", zap.String("node_id", cfg.Server.NodeID))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	cancel()
	grpcServer.Stop()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	if gossipSvc != nil {
		if err := gossipSvc.Leave(cfg.Server.ShutdownTimeout); err != nil {
			logger.Error("Failed to leave gossip cluster", zap.Error(err))
		}
	}
	return nil
}

// initLogger builds the zap logger from the logging config.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
