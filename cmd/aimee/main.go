package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inqbatorchris/aimee-sub010/internal/engine"
	"github.com/inqbatorchris/aimee-sub010/internal/expressions"
	"github.com/inqbatorchris/aimee-sub010/internal/integrations"
	"github.com/inqbatorchris/aimee-sub010/internal/logging"
	"github.com/inqbatorchris/aimee-sub010/internal/scheduler"
	"github.com/inqbatorchris/aimee-sub010/internal/secrets"
	"github.com/inqbatorchris/aimee-sub010/internal/store"
)

func main() {
	cfg := loadConfig()
	setupLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	ctx := context.Background()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	cipher, err := secrets.NewCredentialCipher(secrets.Config{
		SharedSecret: cfg.SharedSecret,
		Salt:         []byte(cfg.CredentialSalt),
		Iterations:   cfg.KDFIterations,
	})
	if err != nil {
		return err
	}

	dispatcher := integrations.NewDispatcher()
	// Concrete provider clients are registered here as they come online;
	// each needs its transport implementation injected.

	exec, err := engine.New(engine.Config{
		Store:      st,
		Dispatcher: dispatcher,
		Cipher:     cipher,
		Engines:    expressions.Engines(),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(st, exec, nil)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	slog.Info("engine started", "db", cfg.DBPath)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	sched.Shutdown()
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(logging.NewCorrelationHandler(inner)))
}
