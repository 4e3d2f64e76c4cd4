package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/ggoodman/toolsessions-go/internal/logctx"
)

// Config is read from the environment after an optional .env file is
// loaded. Flags override individual fields.
type Config struct {
	// Addr the HTTP server listens on. ENV: TOOLSESSIONS_ADDR
	Addr string `env:"TOOLSESSIONS_ADDR,default=127.0.0.1:8080"`
	// Store is "memory" or "redis". ENV: TOOLSESSIONS_STORE
	Store string `env:"TOOLSESSIONS_STORE,default=memory"`
	// Workers is "inprocess", "subprocess" or "redis". ENV: TOOLSESSIONS_WORKERS
	Workers string `env:"TOOLSESSIONS_WORKERS,default=inprocess"`
	// WorkerCommand runs subprocess workers. Empty means this binary's
	// worker subcommand. ENV: TOOLSESSIONS_WORKER_COMMAND
	WorkerCommand string `env:"TOOLSESSIONS_WORKER_COMMAND"`
	// CancelGrace bounds how long a cancelled worker may take to stop.
	// ENV: TOOLSESSIONS_CANCEL_GRACE
	CancelGrace time.Duration `env:"TOOLSESSIONS_CANCEL_GRACE,default=5s"`
	// Sampler is empty or "openai". ENV: TOOLSESSIONS_SAMPLER
	Sampler string `env:"TOOLSESSIONS_SAMPLER"`
	// Auth is empty or "jwt". JWT validation reads the AUTH_* variables.
	// ENV: TOOLSESSIONS_AUTH
	Auth string `env:"TOOLSESSIONS_AUTH"`
	// ShutdownTimeout bounds graceful shutdown. ENV: TOOLSESSIONS_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"TOOLSESSIONS_SHUTDOWN_TIMEOUT,default=10s"`

	// LogFormat is "text" or "json". ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=text"`
	// LogLevel is debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// loadConfig reads envFile (or ./.env when empty and present) and decodes
// the environment into a Config.
func loadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load() // no error if .env doesn't exist
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// newLogger writes to stderr so that stdout stays free for the stdio
// worker protocol.
func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", level)
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
