package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/kraken/internal/chooser"
	"github.com/BadgerOps/kraken/internal/config"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/credentials"
	"github.com/BadgerOps/kraken/internal/engine"
	"github.com/BadgerOps/kraken/internal/events"
	"github.com/BadgerOps/kraken/internal/extension"
	"github.com/BadgerOps/kraken/internal/manifest"
	"github.com/BadgerOps/kraken/internal/registry"
	"github.com/BadgerOps/kraken/internal/store"
	"github.com/BadgerOps/kraken/internal/version"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components, opened on demand by the subcommands
	globalStore *store.Store
	globalCreds credentials.Store
	globalApp   *app
)

// app holds the components of a running daemon.
type app struct {
	docker       *container.Docker
	runtime      container.Runtime
	orchestrator *engine.Orchestrator
	chooser      *chooser.Chooser
	redis        *redis.Client
}

// openStore opens the global store once.
func openStore() (*store.Store, error) {
	if globalStore != nil {
		return globalStore, nil
	}
	if err := os.MkdirAll(globalCfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.New(globalCfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	return st, nil
}

// openCredentials opens the docker config.json credential store once.
func openCredentials() (credentials.Store, error) {
	if globalCreds != nil {
		return globalCreds, nil
	}
	creds, err := credentials.NewDockerConfigStore(globalCfg.DockerConfigPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	globalCreds = creds
	return creds, nil
}

// initializeComponents wires every component of the daemon. The orchestrator
// is created but not started.
func initializeComponents(ctx context.Context) (*app, error) {
	if globalApp != nil {
		return globalApp, nil
	}
	if globalCfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	cfg := globalCfg

	st, err := openStore()
	if err != nil {
		return nil, err
	}
	creds, err := openCredentials()
	if err != nil {
		return nil, err
	}

	docker, err := container.NewDocker(cfg.Runtime.Host, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize container runtime: %w", err)
	}
	rt := container.WithRetry(docker, cfg.Runtime.RetryAttempts, cfg.Runtime.CallTimeout/10, logger)

	reg := registry.NewClient(registry.Options{
		Timeout:     cfg.Registry.Timeout,
		PlainHTTP:   cfg.Registry.PlainHTTP,
		Credential:  credentials.AuthFunc(creds),
		Concurrency: cfg.Registry.TagConcurrency,
	}, logger)

	source, err := manifest.NewSource(cfg.Manifest.Source, cfg.Manifest.Timeout, logger)
	if err != nil {
		docker.Close()
		return nil, fmt.Errorf("failed to initialize manifest source: %w", err)
	}
	manifests := manifest.NewStore(source, st, logger)

	resolver := version.NewResolver(version.Options{
		Runtime:     rt,
		Registry:    reg,
		Manifests:   manifests,
		Credentials: creds,
		Catalog:     version.NewCatalog(cfg.Catalog.Size, cfg.Catalog.TTL),
	}, logger)
	slots := version.NewSlots(resolver, rt, st, version.SlotsConfig{
		CoreRepository:      cfg.Core.Repository,
		CoreContainer:       cfg.Core.ContainerName,
		BootstrapRepository: cfg.Core.BootstrapRepository,
		BootstrapContainer:  cfg.Core.BootstrapContainerName,
		StopGracePeriod:     cfg.Runtime.StopGracePeriod,
	}, logger)

	sinks := events.Multi{events.LogSink{Logger: logger}}
	var redisClient *redis.Client
	if cfg.Events.RedisAddr != "" {
		sink, client, err := events.DialRedis(ctx, cfg.Events.RedisAddr, cfg.Events.Channel, logger)
		if err != nil {
			logger.Warn("event publishing disabled", "redis", cfg.Events.RedisAddr, "error", err)
		} else {
			sinks = append(sinks, sink)
			redisClient = client
		}
	}

	orch := engine.New(extension.Deps{
		Runtime:   rt,
		Resolver:  resolver,
		Manifests: manifests,
		Store:     st,
		Events:    sinks,
	}, engine.Config{
		ReconcileInterval:  cfg.Orchestrator.ReconcileInterval,
		InspectTimeout:     cfg.Orchestrator.InspectTimeout,
		AutoRestart:        cfg.Orchestrator.AutoRestart,
		RestartBackoff:     cfg.Orchestrator.RestartBackoff,
		MaxRestartBackoff:  cfg.Orchestrator.MaxRestartBackoff,
		MaxRestartAttempts: cfg.Orchestrator.MaxRestartAttempts,
		OperationHistory:   cfg.Orchestrator.OperationHistory,
		Machine: extension.Config{
			CallTimeout:     cfg.Runtime.CallTimeout,
			PullTimeout:     cfg.Runtime.PullTimeout,
			StopGracePeriod: cfg.Runtime.StopGracePeriod,
			UpdateStrategy:  cfg.Orchestrator.UpdateStrategy,
		},
	}, logger)
	resolver.AddInUseChecker(orch)

	ch := chooser.New(chooser.Options{
		Resolver:     resolver,
		Slots:        slots,
		Runtime:      rt,
		Credentials:  creds,
		Orchestrator: orch,
		Manifests:    manifests,
	}, logger)

	globalApp = &app{
		docker:       docker,
		runtime:      rt,
		orchestrator: orch,
		chooser:      ch,
		redis:        redisClient,
	}
	logger.Info("components initialized successfully")
	return globalApp, nil
}

// closeComponents releases whatever the command opened.
func closeComponents() {
	if globalApp != nil {
		if err := globalApp.orchestrator.Close(); err != nil {
			logger.Error("failed to stop orchestrator", "error", err)
		}
		if globalApp.redis != nil {
			globalApp.redis.Close()
		}
		if err := globalApp.docker.Close(); err != nil {
			logger.Error("failed to close runtime client", "error", err)
		}
		globalApp = nil
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
	globalCreds = nil
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kraken",
		Short: "Extension and version manager for containerized vehicle software",
		Long: `kraken manages the containers of an onboard computer: it selects the
version of the core service and its bootstrap launcher, installs, updates and
supervises extensions, and keeps registry credentials.`,
		Example: `  kraken serve
  kraken status
  kraken versions local
  kraken credentials login --registry ghcr.io --username robot`,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}
			logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	cmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newConfigCmd(),
		newCredentialsCmd(),
		newVersionsCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}
