// customer-view serves the customer invoice view and the advisor ticket
// endpoints over the shared key/value ledgers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/webtech-soft/CustomerView/internal/customerview"
	"github.com/webtech-soft/CustomerView/internal/kvstore"
	"github.com/webtech-soft/CustomerView/internal/metrics"
	"github.com/webtech-soft/CustomerView/internal/timeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile, listenAddr, logLevel string

	flagSet := pflag.NewFlagSet("customer-view", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML file overlaid on the environment settings")
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file loaded before reading the environment")
	flagSet.StringVar(&listenAddr, "listen", "", "listen address (overrides LISTEN_ADDR)")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if envFile != "" {
		// Variables already set in the process environment win.
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg := customerview.LoadConfig()
	if configPath != "" {
		var err error
		if cfg, err = customerview.LoadFile(configPath, cfg); err != nil {
			return err
		}
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	store, closeStore, err := kvstore.Open(cfg.StoreDriver, cfg.StorePath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close store failed", "error", err)
		}
	}()
	if store == nil {
		logger.Warn("running without storage; ledger operations return neutral results")
	}

	var recorder timeline.Recorder = timeline.Nop{}
	var publisher *timeline.Publisher
	if cfg.TimelineURL != "" {
		publisher = timeline.NewPublisher(timeline.PublisherConfig{
			URL:     cfg.TimelineURL,
			Workers: cfg.TimelineWorkers,
			Logger:  logger,
		})
		recorder = publisher
	}

	metrics.Register()

	svc, err := customerview.NewService(cfg, customerview.Deps{
		Store:    store,
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if cfg.AdvisorAuthDisabled {
		logger.Warn("advisor routes are unauthenticated", "env", "ADVISOR_AUTH_DISABLED")
	}

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Mount("/", svc.Routes())

	// No WriteTimeout: /tickets/{n}/events streams for as long as the
	// advisor keeps the ticket open.
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server.BaseContext = func(net.Listener) context.Context { return baseCtx }
	server.RegisterOnShutdown(cancelBase)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("customer view listening", "addr", cfg.ListenAddr, "store", cfg.StoreDriver, "signer", cfg.TokenSigner)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(shutdownCtx); err != nil {
			logger.Warn("timeline publisher did not drain", "error", err)
		}
	}
	return nil
}
