package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/toolsessions-go/auth"
	"github.com/ggoodman/toolsessions-go/examples/tools"
	"github.com/ggoodman/toolsessions-go/registry"
	"github.com/ggoodman/toolsessions-go/sampling/openai"
	"github.com/ggoodman/toolsessions-go/session"
	"github.com/ggoodman/toolsessions-go/store"
	"github.com/ggoodman/toolsessions-go/store/memory"
	redisstore "github.com/ggoodman/toolsessions-go/store/redis"
	"github.com/ggoodman/toolsessions-go/streaminghttp"
	"github.com/ggoodman/toolsessions-go/transport"
	redistransport "github.com/ggoodman/toolsessions-go/transport/redis"
	"github.com/ggoodman/toolsessions-go/worker"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		addr    string
		storeTy string
		workers string
		sampler string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("store") {
				cfg.Store = storeTy
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("sampler") {
				cfg.Sampler = sampler
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (overrides TOOLSESSIONS_ADDR)")
	cmd.Flags().StringVar(&storeTy, "store", "", "Session store: memory or redis (overrides TOOLSESSIONS_STORE)")
	cmd.Flags().StringVar(&workers, "workers", "", "Worker launcher: inprocess, subprocess or redis (overrides TOOLSESSIONS_WORKERS)")
	cmd.Flags().StringVar(&sampler, "sampler", "", "Answer sampling requests on the server: openai (overrides TOOLSESSIONS_SAMPLER)")
	return cmd
}

func serve(ctx context.Context, cfg *Config, log *slog.Logger) error {
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	launcher, closeLauncher, err := openLauncher(cfg, log)
	if err != nil {
		return err
	}
	defer closeLauncher()

	reg := registry.New(st, launcher,
		registry.WithLogger(log),
		registry.WithSessionOptions(session.WithCancelGrace(cfg.CancelGrace)),
	)

	hopts := []streaminghttp.Option{streaminghttp.WithLogger(log)}
	switch cfg.Sampler {
	case "":
	case "openai":
		p, err := openai.NewFromEnv()
		if err != nil {
			return err
		}
		hopts = append(hopts, streaminghttp.WithSampler(p))
	default:
		return fmt.Errorf("unknown sampler %q", cfg.Sampler)
	}
	switch cfg.Auth {
	case "":
	case "jwt":
		a, err := auth.NewFromEnv(ctx)
		if err != nil {
			return err
		}
		hopts = append(hopts, streaminghttp.WithAuthenticator(a))
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.Auth)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           streaminghttp.New(reg, hopts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.listen", slog.String("addr", cfg.Addr), slog.String("store", cfg.Store), slog.String("workers", cfg.Workers))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	log.InfoContext(shutdownCtx, "server.shutdown")

	// Open event streams only end once their sessions do, so cancel the
	// sessions before waiting on the server.
	regErr := reg.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WarnContext(shutdownCtx, "server.shutdown.failed", slog.String("err", err.Error()))
	}
	return regErr
}

func openStore(kind string) (store.Store, error) {
	switch kind {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		return redisstore.NewFromEnv()
	}
	return nil, fmt.Errorf("unknown store %q", kind)
}

func openLauncher(cfg *Config, log *slog.Logger) (worker.Launcher, func(), error) {
	noop := func() {}
	switch cfg.Workers {
	case "", "inprocess":
		return worker.InProcess(tools.Set(), worker.WithLogger(log)), noop, nil
	case "subprocess":
		if argv := strings.Fields(cfg.WorkerCommand); len(argv) > 0 {
			return worker.Subprocess(argv[0], argv[1:]...), noop, nil
		}
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("locate executable: %w", err)
		}
		return worker.Subprocess(exe, "worker"), noop, nil
	case "redis":
		b, err := redistransport.NewFromEnv()
		if err != nil {
			return nil, nil, err
		}
		b.SetLogger(log)
		launch := worker.LaunchFunc(func(ctx context.Context, sessionID string) (transport.Transport, error) {
			// Open before announcing so no worker output is missed.
			t := b.Open(sessionID, redistransport.Host)
			if err := b.Announce(ctx, sessionID); err != nil {
				_ = t.Close()
				return nil, err
			}
			return t, nil
		})
		return launch, func() { _ = b.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown worker launcher %q", cfg.Workers)
}
