package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nestbridge/internal/api"
	"nestbridge/internal/auth"
	"nestbridge/internal/clock"
	"nestbridge/internal/config"
	"nestbridge/internal/events"
	"nestbridge/internal/homekit"
	"nestbridge/internal/metrics"
	"nestbridge/internal/platform"
	"nestbridge/internal/sdm"
	"nestbridge/internal/store"
	"nestbridge/internal/thermostat"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $CONFIG_PATH or ./config.yaml)")
	flag.Parse()

	// Load environment variables
	envErr := godotenv.Load()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	// Bootstrap logger until the configured level is known
	bootstrap, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if envErr != nil {
		bootstrap.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load(path, bootstrap)
	if err != nil {
		bootstrap.Fatal("Failed to load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Starting Nest bridge",
		zap.String("project_id", cfg.ProjectID),
		zap.Int("thermostats", len(cfg.Thermostats)),
		zap.Bool("apply_updates", cfg.PubSub.ApplyUpdates))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open accessory and token cache
	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.String("path", cfg.DatabasePath), zap.Error(err))
	}
	defer db.Close()

	var seed *auth.Token
	if cfg.Access.Token != "" {
		seed = &auth.Token{AccessToken: cfg.Access.Token, ExpiresAt: cfg.Access.ExpiresAt()}
	}
	provider := auth.NewProvider(auth.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
		TokenURL:     cfg.TokenURL,
	}, seed, db, clock.NewRealClock(), logger)
	if err := provider.Restore(ctx); err != nil {
		logger.Warn("Failed to restore cached access token", zap.Error(err))
	}

	client, err := sdm.NewClient(ctx, cfg.SDMBaseURL, cfg.ProjectID, provider, logger)
	if err != nil {
		logger.Fatal("Failed to create device client", zap.Error(err))
	}

	adapter := thermostat.Options{
		API:         client,
		ApplyEvents: cfg.PubSub.ApplyUpdates,
	}

	listener := newListener(ctx, cfg, logger)
	if listener != nil {
		adapter.Events = listener
		defer listener.Close()
	}

	// Publishers receive every characteristic push alongside HomeKit
	hub := api.NewHub(logger)
	publishers := thermostat.Publishers{hub}
	if cfg.Statsd.Address != "" {
		m, err := metrics.New(cfg.Statsd.Address, cfg.Statsd.Namespace, logger)
		if err != nil {
			logger.Warn("Failed to create metrics client", zap.Error(err))
		} else {
			publishers = append(publishers, m)
			defer m.Close()
		}
	}
	adapter.Publisher = publishers

	bridge := homekit.NewBridge(homekit.Config{
		Name:        cfg.HomeKit.BridgeName,
		Pin:         cfg.HomeKit.Pin,
		Port:        cfg.HomeKit.Port,
		StoragePath: cfg.HomeKit.StoragePath,
	}, db, logger)

	nest := platform.New(bridge, platform.Options{
		Thermostats: cfg.Thermostats,
		Tokens:      provider,
		Adapter:     adapter,
	}, logger)
	defer nest.Close()

	if err := bridge.Restore(ctx, nest); err != nil {
		logger.Fatal("Failed to restore accessories", zap.Error(err))
	}

	if err := nest.DidFinishLaunching(ctx); err != nil {
		logger.Error("Device discovery failed", zap.Error(err))
	}

	// Start HTTP API server
	apiServer := api.NewServer(nest, hub, logger, cfg.APIPort)
	if err := apiServer.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	go func() {
		if err := bridge.ListenAndServe(ctx); err != nil {
			logger.Error("HomeKit server stopped", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	if err := apiServer.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// newListener returns nil when device events are disabled or the
// subscription client cannot be created.
func newListener(ctx context.Context, cfg *config.Config, logger *zap.Logger) *events.Listener {
	if cfg.PubSub.Disabled {
		logger.Info("Device events disabled")
		return nil
	}

	var opts []option.ClientOption
	if cfg.ServiceAccount != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.ServiceAccount))
	}

	listener, err := events.NewListener(ctx, events.Config{
		ProjectID:    cfg.PubSub.ProjectID,
		TopicProject: cfg.PubSub.TopicProject,
		Topic:        cfg.PubSub.Topic,
		Subscription: cfg.PubSub.Subscription,
	}, logger, opts...)
	if err != nil {
		logger.Warn("Unable to create device event listener, running without events", zap.Error(err))
		return nil
	}
	return listener
}
