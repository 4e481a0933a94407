package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fentz26/labflow/internal/audit"
	"github.com/fentz26/labflow/internal/blobstore"
	"github.com/fentz26/labflow/internal/config"
	"github.com/fentz26/labflow/internal/controlplane"
	"github.com/fentz26/labflow/internal/identity"
	"github.com/fentz26/labflow/internal/notify"
	"github.com/fentz26/labflow/internal/scheduler"
	"github.com/fentz26/labflow/internal/store"
)

var (
	configPath string
	listenAddr string
	backend    string
	dataDir    string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the labflow daemon",
	Long:  `Starts the labflow daemon which serves the HTTP API and runs the background scheduler.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&backend, "backend", "", "Task store backend: json, sqlite or memory (overrides config)")
	daemonCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for task data (overrides config)")
}

func loadConfig() (*config.Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

func openAudit(cfg *config.Config, s store.Store) (*audit.PDRWriter, error) {
	if sink, ok := s.(audit.Sink); ok {
		return audit.NewPDRWriter(sink), nil
	}
	if cfg.DataDir == "" {
		return nil, nil
	}
	sink, err := audit.NewFileSink(filepath.Join(cfg.DataDir, "audit.jsonl"))
	if err != nil {
		return nil, err
	}
	return audit.NewPDRWriter(sink), nil
}

func openOracle(cfg *config.Config) (identity.Oracle, error) {
	if cfg.UsersFile == "" {
		log.Println("Warning: no users file configured, permission checks are disabled")
		return identity.AllowAll{}, nil
	}
	dir, err := identity.LoadDirectory(cfg.UsersFile)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded %d users from %s", len(dir.Usernames()), cfg.UsersFile)
	return dir, nil
}

func openNotifier(cfg *config.Config) (notify.Publisher, io.Closer) {
	if cfg.Redis.Addr == "" {
		return notify.Nop{}, nil
	}
	p, err := notify.NewRedisPublisher(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.Instance)
	if err != nil {
		log.Printf("Warning: notifications disabled: %v", err)
		return notify.Nop{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		log.Printf("Warning: redis at %s not reachable yet: %v", cfg.Redis.Addr, err)
	}
	log.Printf("Publishing task events to redis %s (instance %s)", cfg.Redis.Addr, cfg.Redis.Instance)
	return p, p
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting labflow daemon...")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Initialize store
	s, err := store.Open(cfg.Backend, cfg.DataDir)
	if err != nil {
		return err
	}
	log.Printf("Using %s task store", cfg.Backend)

	// Initialize components
	pdr, err := openAudit(cfg, s)
	if err != nil {
		s.Close()
		return err
	}
	blobs, err := blobstore.New(cfg.UploadDir)
	if err != nil {
		s.Close()
		return err
	}
	oracle, err := openOracle(cfg)
	if err != nil {
		s.Close()
		return err
	}
	notifier, notifierCloser := openNotifier(cfg)

	// Create service and server
	service := controlplane.NewService(s, blobs, pdr, notifier)
	service.SetMaxUpload(cfg.MaxUploadBytes())
	server := controlplane.NewServer(service, oracle, cfg.Listen)
	server.SetRateLimit(cfg.RateLimit)
	if inbox, ok := notifier.(controlplane.InboxReader); ok {
		server.SetInbox(inbox)
	}

	// Create and start scheduler
	schedCfg := cfg.Scheduler
	sched := scheduler.New(service, blobs, notifier, pdr, &schedCfg)

	// Wire scheduler to server for /scheduler endpoint
	server.SetScheduler(sched)

	sched.Start()
	defer sched.Stop()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if notifierCloser != nil {
		if err := notifierCloser.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}

	log.Println("Closing task store...")
	if err := s.Close(); err != nil {
		log.Printf("Task store close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
