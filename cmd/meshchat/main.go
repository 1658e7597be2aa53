package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meshcommons/meshchat/internal/api"
	"github.com/meshcommons/meshchat/internal/bridge"
	"github.com/meshcommons/meshchat/internal/chatstore"
	"github.com/meshcommons/meshchat/internal/config"
	"github.com/meshcommons/meshchat/internal/radio"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "meshchat:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := chatstore.Open(cfg.Store.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Store.LegacyLogPath != "" {
		if n, err := store.ImportLegacy(cfg.Store.LegacyLogPath); err != nil {
			log.Warn("legacy import failed", zap.Error(err))
		} else if n > 0 {
			log.Info("migrated legacy chat log", zap.Int("messages", n))
		}
	}

	router := radio.NewRouter(log)
	br := bridge.Attach(router, store, log)
	defer br.Detach()

	session := radio.NewSession(cfg, router, log)
	server := api.NewServer(cfg.API.ListenAddr, store, session, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The API comes up first so status polling works while the radio
	// is still connecting.
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()

	go func() {
		if err := session.Start(ctx); err != nil {
			log.Error("radio session failed", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	session.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
