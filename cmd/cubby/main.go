package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/cubby/internal/logger"
	"github.com/marmos91/cubby/pkg/config"
	"github.com/marmos91/cubby/pkg/identity"
	"github.com/marmos91/cubby/pkg/metrics"
	cubbyprom "github.com/marmos91/cubby/pkg/metrics/prometheus"
	"github.com/marmos91/cubby/pkg/server"
	"github.com/marmos91/cubby/pkg/storage"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `cubby - per-user file storage over a persistent TCP session

Usage:
  cubby <command> [flags]

Commands:
  init     Initialize a sample configuration file
  start    Start the cubby server
  user     Manage users (add, delete, list)
  version  Show version information

Flags:
  --config string    Path to config file (default: $XDG_CONFIG_HOME/cubby/config.yaml)
  --force            Force overwrite existing config file (init command only)

Examples:
  # Initialize config file
  cubby init

  # Start server with custom config
  cubby start --config /etc/cubby/config.yaml

  # User management
  cubby user add alice
  cubby user list

Environment Variables:
  All configuration options can be overridden using environment variables.
  Format: CUBBY_<SECTION>_<KEY> (use underscores for nested keys)

  Examples:
    CUBBY_LOGGING_LEVEL=DEBUG
    CUBBY_SERVER_PORT=2121
    CUBBY_SERVER_STORAGE_ROOT=/var/lib/cubby
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit()
	case "start":
		runStart()
	case "user":
		runUser()
	case "help", "--help", "-h":
		fmt.Print(usage)
	case "version", "--version", "-v":
		fmt.Printf("cubby %s (commit: %s, built: %s)\n", version, commit, date)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// runInit handles the init subcommand
func runInit() {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := initFlags.String("config", "", "Path to config file")
	force := initFlags.Bool("force", false, "Force overwrite existing config file")

	if err := initFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	var configPath string
	var err error
	if *configFile != "" {
		err = config.InitConfigToPath(*configFile, *force)
		configPath = *configFile
	} else {
		configPath, err = config.InitConfig(*force)
	}
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add a user: cubby user add <username>")
	fmt.Println("  2. Start the server: cubby start")
}

// runStart handles the start subcommand
func runStart() {
	startFlags := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := startFlags.String("config", "", "Path to config file")

	if err := startFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.MustLoad(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting cubby", "version", version)
	logger.Info("Configuration loaded", "storage_root", cfg.Server.StorageRoot,
		"credentials_file", cfg.Server.CredentialsFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(cfg.Server.StorageRoot)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	creds, err := identity.NewFileStore(cfg.Server.CredentialsFile)
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}
	logger.Info("Credential store loaded", "users", len(creds.Usernames()))

	if cfg.Server.WatchCredentials {
		go func() {
			if err := creds.Watch(ctx); err != nil {
				logger.Warn("Credentials watcher stopped", "error", err)
			}
		}()
	}

	// Metrics must be initialized before the recorder is created
	var sessionMetrics metrics.SessionMetrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		sessionMetrics = cubbyprom.NewSessionMetrics()
		metricsServer = cubbyprom.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Info("Metrics server listening", "port", cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	} else {
		logger.Info("Metrics collection disabled")
	}

	srv := server.New(server.Config{
		BindAddress:     cfg.Server.BindAddress,
		Port:            cfg.Server.Port,
		MaxConnections:  cfg.Server.MaxConnections,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		GraceWindow:     cfg.Server.GraceWindow,
	}, store, creds, sessionMetrics)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}

	if metricsServer != nil {
		_ = metricsServer.Shutdown(context.Background())
	}
}
