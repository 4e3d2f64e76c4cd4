package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ggoodman/toolsessions-go/examples/tools"
	"github.com/ggoodman/toolsessions-go/transport/pipe"
	redistransport "github.com/ggoodman/toolsessions-go/transport/redis"
	"github.com/ggoodman/toolsessions-go/worker"
)

func newWorkerCmd(g *globalFlags) *cobra.Command {
	var useRedis bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker side of a session",
		Long: `Run the worker side of a session. By default a single session is served over
standard input and output, which is how "serve --workers subprocess" starts
its children. With --redis the process instead accepts sessions announced
through Redis until it is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, err := g.setup(cmd)
			if err != nil {
				return err
			}
			if useRedis {
				return serveRedisWorkers(cmd.Context(), log)
			}
			t := pipe.Stdio(pipe.WithLogger(log))
			return worker.Serve(cmd.Context(), t, tools.Set(), worker.WithLogger(log))
		},
	}
	cmd.Flags().BoolVar(&useRedis, "redis", false, "Accept sessions announced through Redis")
	return cmd
}

func serveRedisWorkers(ctx context.Context, log *slog.Logger) error {
	b, err := redistransport.NewFromEnv()
	if err != nil {
		return err
	}
	defer b.Close()
	b.SetLogger(log)

	set := tools.Set()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		id, err := b.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		log.InfoContext(ctx, "worker.session.accepted", slog.String("session_id", id))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Serve(ctx, b.Open(id, redistransport.Worker), set, worker.WithLogger(log)); err != nil {
				log.InfoContext(ctx, "worker.session.ended", slog.String("session_id", id), slog.String("err", err.Error()))
			}
		}()
	}
}
