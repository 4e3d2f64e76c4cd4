package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/ggoodman/toolsessions-go/transport"
	"github.com/ggoodman/toolsessions-go/transport/memory"
	"github.com/ggoodman/toolsessions-go/transport/pipe"
)

// Launcher starts a worker for a new session and returns the host-side end
// of its transport. The worker must outlive ctx, which only bounds startup.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (transport.Transport, error)
}

// LaunchFunc adapts a function to a Launcher.
type LaunchFunc func(ctx context.Context, sessionID string) (transport.Transport, error)

func (f LaunchFunc) Launch(ctx context.Context, sessionID string) (transport.Transport, error) {
	return f(ctx, sessionID)
}

// InProcess runs each session's tool on a fresh goroutine connected through
// an in-memory transport pair.
func InProcess(tools *ToolSet, opts ...Option) Launcher {
	return LaunchFunc(func(ctx context.Context, sessionID string) (transport.Transport, error) {
		host, w := memory.NewPair()
		r := NewRunner(w, tools, opts...)
		runCtx := context.WithoutCancel(ctx)
		go func() {
			defer w.Close()
			if err := r.Run(runCtx); err != nil {
				r.log.InfoContext(runCtx, "worker.run.ended", slog.String("session_id", sessionID), slog.String("err", err.Error()))
			}
		}()
		return host, nil
	})
}

// Subprocess starts name with args for each session. The child is expected
// to call Serve over its standard input and output.
func Subprocess(name string, args ...string) Launcher {
	return LaunchFunc(func(ctx context.Context, sessionID string) (transport.Transport, error) {
		cmd := exec.Command(name, args...)
		t, err := pipe.Command(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("worker: launch %s for session %s: %w", name, sessionID, err)
		}
		return t, nil
	})
}

// Serve runs a single session over t and closes t afterwards.
func Serve(ctx context.Context, t transport.Transport, tools *ToolSet, opts ...Option) error {
	defer t.Close()
	return NewRunner(t, tools, opts...).Run(ctx)
}
