package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marmos91/ntlmgate/internal/logger"
	"github.com/marmos91/ntlmgate/pkg/api"
	"github.com/marmos91/ntlmgate/pkg/config"
	"github.com/marmos91/ntlmgate/pkg/directory"
	"github.com/marmos91/ntlmgate/pkg/handshake"
	"github.com/marmos91/ntlmgate/pkg/metrics"

	// Import prometheus metrics to register init() functions
	_ "github.com/marmos91/ntlmgate/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ntlmgate server",
	Long: `Start the gateway with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/ntlmgate/config.yaml.

Examples:
  # Start with default config location
  ntlmgate start

  # Start with custom config file
  ntlmgate start --config /etc/ntlmgate/config.yaml

  # Start with environment variable overrides
  NTLMGATE_LOGGING_LEVEL=DEBUG ntlmgate start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics FIRST (before creating the coordinator that uses them)
	// This ensures metrics.IsEnabled() returns true when components are created
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsServer = startMetricsServer(cfg.Metrics.Port)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Directory binder: every handshake opens a fresh bind session against
	// this server.
	binder := directory.NewLDAPBinder(directory.Config{
		URL:                cfg.Directory.URL,
		BaseDN:             cfg.Directory.BaseDN,
		Attributes:         cfg.Directory.Attributes,
		DialTimeout:        cfg.Directory.DialTimeout,
		OperationTimeout:   cfg.Directory.OperationTimeout,
		InsecureSkipVerify: cfg.Directory.InsecureSkipVerify,
	})
	logger.Info("Directory configured", "url", cfg.Directory.URL, "base_dn", cfg.Directory.BaseDN)

	// Handshake coordinator with TTL-evicted session store
	store := handshake.NewMemoryStore(cfg.Handshake.SessionTTL)
	coordinator, err := handshake.New(handshake.Options{
		Binder:  binder,
		Store:   store,
		Metrics: metrics.NewHandshakeMetrics(store.Len),
		Debug:   cfg.Handshake.Debug,
	})
	if err != nil {
		return fmt.Errorf("failed to create handshake coordinator: %w", err)
	}
	defer store.Close()

	// Gateway server; connection close evicts the handshake session
	router := api.NewRouter(coordinator, binder, cfg.Server.RequestTimeout)
	server := api.NewServer(cfg.Server, router, store.Evict)
	logger.Info("Gateway configured", "port", cfg.Server.Port, "session_ttl", cfg.Handshake.SessionTTL.String())

	// Watch the config file so the log level can be changed without a restart
	watchLoggingConfig(GetConfigFile())

	// Start server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics server shutdown error", "error", err)
			}
		}
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			cancel()
			<-serverDone
			return err
		}
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startMetricsServer serves the Prometheus /metrics endpoint on its own port,
// away from the NTLM-protected gateway routes.
func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("Metrics server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return srv
}

// watchLoggingConfig reloads the log level when the config file changes.
// Only the level is hot-reloaded; everything else needs a restart.
func watchLoggingConfig(configFile string) {
	path := configFile
	if path == "" {
		if !config.DefaultConfigExists() {
			return
		}
		path = config.GetDefaultConfigPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("Config watch disabled", "file", path, "error", err)
		return
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if err := v.ReadInConfig(); err != nil {
			logger.Warn("Config reload failed", "file", event.Name, "error", err)
			return
		}
		level := v.GetString("logging.level")
		if level == "" {
			return
		}
		logger.SetLevel(level)
		logger.Info("Configuration reloaded", "file", event.Name, "op", event.Op.String(), "level", strings.ToUpper(level))
	})
	v.WatchConfig()
}
