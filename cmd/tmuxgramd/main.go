package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/daemon"
	"github.com/g960059/tmuxgram/internal/logging"
	"github.com/g960059/tmuxgram/internal/security"
)

func main() {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)
	pflag.StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	pflag.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
	pflag.StringVar(&logFormat, "log-format", "", "text or json (overrides log_format)")
	pflag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath, bootLogger)
	} else {
		cfg, err = config.LoadOptional(config.DefaultPath(), bootLogger)
	}
	if err != nil {
		fatal(err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	logger, err := logging.New(os.Stderr, logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Redact: security.NewRedactor(cfg.BotToken),
	})
	if err != nil {
		fatal(err)
	}
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := daemon.New(ctx, cfg, logger, daemon.Deps{})
	if err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			logger.Error("another tmuxgramd holds the lock", "lock", cfg.LockPath)
		}
		fatal(err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tmuxgramd: %v\n", security.NewRedactor().Redact(err.Error()))
	os.Exit(1)
}
