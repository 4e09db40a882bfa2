// Entry point for the lucarne record-store daemon: encrypted screenshot
// store, blind-index search and maintenance jobs behind a loopback JSON IPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/lucarne/backfill"
	"github.com/hazyhaar/lucarne/ipc"
	"github.com/hazyhaar/lucarne/screenstore"
	"github.com/hazyhaar/lucarne/vault"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfig(*configPath); err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	}
	cfg.Listen = env("LUCARNE_LISTEN", cfg.Listen)
	cfg.DataDir = env("LUCARNE_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The unlock secret guards the sealed private key. First run with a
	// secret bootstraps the key file.
	secret := os.Getenv("LUCARNE_SECRET")
	if secret == "" {
		slog.Error("LUCARNE_SECRET is required")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		slog.Error("data dir", "error", err)
		os.Exit(1)
	}
	keyPath := filepath.Join(cfg.DataDir, vault.KeyFileName)
	if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
		if err := vault.InitKeyFile(cfg.DataDir, []byte(secret)); err != nil {
			slog.Error("init key file", "error", err)
			os.Exit(1)
		}
		slog.Info("key file created", "path", keyPath)
	}

	session := vault.NewSession(cfg.SessionTTL())
	gate, err := vault.NewFileGate(cfg.DataDir, envAuthorizer(), session)
	if err != nil {
		slog.Error("open key file", "error", err)
		os.Exit(1)
	}

	store, err := screenstore.Open(cfg.DataDir, gate,
		screenstore.WithLogger(logger),
		screenstore.WithSession(session),
	)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Background maintenance jobs.
	runner := backfill.New(store, backfill.Options{
		BatchSize:    cfg.Backfill.BatchSize,
		Interval:     time.Duration(cfg.Backfill.IntervalSeconds) * time.Second,
		IdleInterval: time.Duration(cfg.Backfill.IdleSeconds) * time.Second,
		Logger:       logger,
	})
	runnerDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(runnerDone)
	}()

	// IPC server.
	r := chi.NewRouter()
	service := ipc.NewService(store, logger)
	service.RegisterHTTP(r)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "listen", cfg.Listen, "data_dir", cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	<-runnerDone
	slog.Info("server stopped")
}

// envAuthorizer satisfies unlock prompts from the environment. A desktop
// build would swap in the platform biometric prompt here.
func envAuthorizer() vault.Authorizer {
	return vault.AuthorizerFunc(func(ctx context.Context) ([]byte, error) {
		if s := os.Getenv("LUCARNE_SECRET"); s != "" {
			return []byte(s), nil
		}
		return nil, fmt.Errorf("%w: LUCARNE_SECRET unset", vault.ErrAuthDeclined)
	})
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
