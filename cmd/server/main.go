package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/api"
	"github.com/bcnelson/waf-blocklist-manager/internal/api/middleware"
	"github.com/bcnelson/waf-blocklist-manager/internal/auth"
	"github.com/bcnelson/waf-blocklist-manager/internal/config"
	"github.com/bcnelson/waf-blocklist-manager/internal/logging"
	"github.com/bcnelson/waf-blocklist-manager/internal/mirror"
	"github.com/bcnelson/waf-blocklist-manager/internal/service"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage/memory"
	redisstore "github.com/bcnelson/waf-blocklist-manager/internal/storage/redis"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage/sql"
	"github.com/charmbracelet/log"
	"github.com/panjf2000/ants/v2"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", "error", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		log.Fatal("Failed to configure logging", "error", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := openStore(ctx, &cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize storage", "driver", cfg.Database.Driver, "error", err)
	}
	defer store.Close()

	// Initialize mirror client
	client, err := openMirror(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize mirror client", "driver", cfg.Mirror.Driver, "error", err)
	}

	// Optional OIDC bearer tokens
	var verifier middleware.TokenVerifier
	if cfg.OIDC.Enabled() {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID, cfg.OIDC.GetAllowedDomains())
		if err != nil {
			log.Fatal("Failed to initialize OIDC", "issuer", cfg.OIDC.IssuerURL, "error", err)
		}
		verifier = v
		log.Info("OIDC bearer tokens enabled", "issuer", cfg.OIDC.IssuerURL)
	}

	pool, err := ants.NewPool(cfg.Blocklist.IngestWorkers, ants.WithNonblocking(false))
	if err != nil {
		log.Fatal("Failed to create ingest pool", "error", err)
	}
	defer pool.Release()

	// Initialize services
	setup := service.NewBootstrapper(store, client, service.SetupOptions{
		Environment: cfg.Blocklist.Environment,
		Region:      cfg.Blocklist.Region,
		GlobalRef:   cfg.Mirror.GlobalRef,
		RegionalRef: cfg.Mirror.RegionalRef,
	}, time.Now)
	syncService := service.NewSyncService(store, client, setup, time.Now)
	admission := service.NewAdmissionController(store, setup, syncService, cfg.Blocklist.MaxIPs, time.Now)
	sweeper := service.NewSweeper(store, setup, syncService, time.Now)

	go sweeper.Run(ctx, cfg.Blocklist.SweepInterval, cfg.Blocklist.BlockDays)

	// Create router
	router := api.NewRouter(&api.Services{
		Store:     store,
		Setup:     setup,
		Sync:      syncService,
		Admission: admission,
		Sweeper:   sweeper,
		Pool:      pool,
		BlockDays: cfg.Blocklist.BlockDays,
	}, cfg.Auth.BootstrapAPIKey, verifier)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info("Starting WAF blocklist manager",
		"addr", cfg.Server.Addr(),
		"store", cfg.Database.Driver,
		"mirror", cfg.Mirror.Driver,
		"maxIPs", cfg.Blocklist.MaxIPs,
		"blockDays", cfg.Blocklist.BlockDays)

	// Start server in goroutine
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.DatabaseConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("Using in-memory storage; the blocklist is lost on restart")
		return memory.NewWithPageSize(cfg.PageSize), nil
	case "redis":
		return redisstore.New(ctx, cfg.DSN, cfg.Namespace, cfg.PageSize)
	case "sqlite3":
		// Create data directory if needed
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		return sql.New(cfg.Driver, cfg.DSN, cfg.PageSize)
	default:
		return sql.New(cfg.Driver, cfg.DSN, cfg.PageSize)
	}
}

func openMirror(ctx context.Context, cfg *config.Config) (mirror.Client, error) {
	switch cfg.Mirror.Driver {
	case "wafv2":
		return mirror.NewWAFClient(ctx, cfg.Blocklist.Region)
	case "tailscale":
		return mirror.NewTailscaleClient(ctx, mirror.TailscaleOptions{
			Tailnet:           cfg.Tailscale.Tailnet,
			APIKey:            cfg.Tailscale.APIKey,
			OAuthClientID:     cfg.Tailscale.OAuthClientID,
			OAuthClientSecret: cfg.Tailscale.OAuthClientSecret,
		})
	default:
		log.Info("Using file mirror", "dir", cfg.Mirror.FileDir)
		return mirror.NewFileShim(cfg.Mirror.FileDir), nil
	}
}
