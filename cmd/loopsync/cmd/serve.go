package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loopsync/loopsync/internal/amcp"
	"github.com/loopsync/loopsync/internal/config"
	"github.com/loopsync/loopsync/internal/engine"
	internalhttp "github.com/loopsync/loopsync/internal/http"
	"github.com/loopsync/loopsync/internal/http/handlers"
	"github.com/loopsync/loopsync/internal/observability"
	"github.com/loopsync/loopsync/internal/scheduler"
	"github.com/loopsync/loopsync/internal/service"
	"github.com/loopsync/loopsync/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the loopsync server",
	Long: `Start the loopsync HTTP server and sync engine.

The server provides:
- REST API for controlling the playout slots and sync modes
- Live status feed over WebSocket at /ws
- Health check endpoints
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("state", "./data/loopsync.json", "Playout state file path")
	serveCmd.Flags().String("backup-dir", "", "Backup directory (defaults to <state dir>/backups)")

	// Bind flags to viper
	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("state.path", serveCmd.Flags().Lookup("state"))
	mustBindPFlag("backup.directory", serveCmd.Flags().Lookup("backup-dir"))
}

// loadConfig unmarshals the global viper instance, which initConfig has
// already populated with defaults, the config file, and environment
// overrides.
func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg, config.DecodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Load the playout document; a missing state file is seeded with the
	// embedded sample so a fresh install comes up with a valid document.
	store := config.NewStore(cfg.State.Path, logger)
	doc, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading playout state: %w", err)
	}

	// Connection pool for the remote playout engines.
	pool := amcp.NewPool(amcp.Config{
		DialTimeout:    cfg.Sync.DialTimeout,
		CommandTimeout: cfg.Sync.CommandTimeout,
		Logger:         observability.WithComponent(logger, "amcp"),
	})
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		pool.CloseAll(closeCtx)
	}()

	ctrl := engine.NewController(doc, store, enginePool{pool}).WithLogger(logger)

	backups := service.NewBackupService(cfg.State.Path, cfg.Backup, cfg.State.Dir()).
		WithLogger(logger).
		WithReloader(ctrl.ReloadConfig)

	sched := scheduler.NewScheduler(backups).WithLogger(logger)

	// Initialize HTTP server
	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	// Register handlers
	statusHandler := handlers.NewStatusHandler(ctrl)
	statusHandler.Register(server.API())

	configHandler := handlers.NewConfigHandler(ctrl)
	configHandler.Register(server.API())

	controlHandler := handlers.NewControlHandler(ctrl)
	controlHandler.Register(server.API())

	runtimeHandler := handlers.NewRuntimeHandler()
	runtimeHandler.Register(server.API())

	backupHandler := handlers.NewBackupHandler(backups)
	backupHandler.Register(server.API())
	backupHandler.RegisterChiRoutes(server.Router())

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithEngine(ctrl).
		WithPool(pool)
	healthHandler.Register(server.API())

	statusFeed := handlers.NewStatusFeed(ctrl).WithLogger(logger)
	statusFeed.Register(server.Router())

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("starting sync engine: %w", err)
	}
	defer ctrl.Stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	// Start server
	logger.Info("starting loopsync server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

// enginePool adapts the amcp pool to the engine's Pool interface. The
// concrete pool hands out *amcp.Conn; the engine only needs the Sender
// slice of it.
type enginePool struct {
	pool *amcp.Pool
}

func (p enginePool) Get(host string, port int) engine.Sender {
	return p.pool.Get(host, port)
}

func (p enginePool) Prune(ctx context.Context, keep map[string]bool) {
	p.pool.Prune(ctx, keep)
}
