package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowd/chain"
	"escrowd/config"
	"escrowd/gateway"
	"escrowd/native/escrow"
	"escrowd/observability/logging"
	"escrowd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "escrowd.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Setup("escrowd", "bootstrap").Error("load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment)

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("open storage", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := escrow.NewEngine(store)
	engine.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Notify.WebhookURLs) > 0 {
		notifier := gateway.NewNotifier(cfg.Notify.WebhookURLs, logger,
			gateway.WithNotifyCapacity(cfg.Notify.QueueCapacity))
		engine.SetEmitter(notifier)
		go notifier.Run(ctx)
	}

	var chainClient chain.Client = chain.NewOfflineClient()
	if cfg.Explorer.URL != "" {
		chainClient = chain.NewHTTPClient(cfg.Explorer.URL, cfg.Explorer.APIKey)
	}

	auth := gateway.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	server := gateway.NewServer(engine, auth, logger,
		gateway.WithChainClient(chainClient),
		gateway.WithIdempotencyStore(store),
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", "address", cfg.ListenAddress, "driver", cfg.Database.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	logger.Info("escrowd stopped")
}
