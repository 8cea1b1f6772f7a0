package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/previewlabs/previewd/auth"
	"github.com/previewlabs/previewd/config"
	"github.com/previewlabs/previewd/instances"
	"github.com/previewlabs/previewd/internal/handlers"
	"github.com/previewlabs/previewd/processes"
	"github.com/previewlabs/previewd/proxy"
	"github.com/previewlabs/previewd/storage"
	"github.com/previewlabs/previewd/workspace"
)

func main() {
	configPath := flag.String("config", "previewd.yaml", "path to configuration file")
	flag.Parse()

	// 1. Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	logger.Info("Starting previewd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Capability token issuer
	secret, err := auth.LoadSecretKey(cfg.SecretKeyPath)
	if err != nil {
		logger.Error("Failed to load secret key", "error", err)
		os.Exit(1)
	}
	issuer := auth.NewIssuer(secret)

	// 3. Port allocator for the instance pool
	allocator, err := processes.NewPortAllocator(cfg.MinPort, cfg.MaxPort)
	if err != nil {
		logger.Error("Failed to create port allocator", "error", err)
		os.Exit(1)
	}

	// 4. Storage and workspace collaborators
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	staging, err := workspace.NewStaging(cfg.WorkspaceRoot)
	if err != nil {
		logger.Error("Failed to create workspace staging", "error", err)
		os.Exit(1)
	}

	// 5. Instance manager
	manager, err := instances.NewManager(instances.Config{
		PortAllocator:     allocator,
		Workspace:         staging,
		Issuer:            issuer,
		LogStore:          store,
		InstanceStore:     store,
		Logger:            logger,
		ProbeInterval:     cfg.ProbeInterval.Std(),
		ProbeAttempts:     cfg.ProbeAttempts,
		GracePeriod:       cfg.GracePeriod.Std(),
		HistoryCapacity:   cfg.LogHistoryCapacity,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		DefaultTTL:        cfg.InstanceTTL.Std(),
		MaxUptime:         cfg.MaxUptime.Std(),
	})
	if err != nil {
		logger.Error("Failed to create instance manager", "error", err)
		os.Exit(1)
	}

	gateway := proxy.NewGateway(manager, issuer, logger)

	// Caller credentials come from the environment for single-node
	// deployments; a real deployment plugs in its own Authenticator.
	authn := auth.NewStaticAuthenticator(map[string]auth.Subject{})
	if cred := os.Getenv("PREVIEWD_API_TOKEN"); cred != "" {
		authn.AddCredential(cred, auth.Subject{ID: "local"})
	}

	handler := handlers.New(manager, gateway, authn, logger)
	mux := http.NewServeMux()
	handler.Register(mux)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	// 6. Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())

		// Stop the instances first: closing their hubs ends every attached
		// log stream, so the HTTP server can actually drain. The reverse
		// order waits forever on streaming responses.
		manager.Shutdown()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", "error", err)
			server.Close()
		}
		cancel()
	}()

	// 7. Expiry sweeper
	go manager.RunSweeper(ctx, cfg.SweepInterval.Std())

	logger.Info("previewd listening", "addr", cfg.ListenAddr, "portRange", []int{cfg.MinPort, cfg.MaxPort})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("previewd stopped")
}
