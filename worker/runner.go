package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/toolsessions-go/internal/logctx"
	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport"
)

var errFinished = errors.New("worker: session already finished")

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// Runner executes exactly one tool invocation on the worker side of a
// transport. It announces itself with ready, waits for start, runs the
// named tool and finishes with exactly one result, error or cancelled
// message.
type Runner struct {
	t     transport.Transport
	tools *ToolSet
	log   *slog.Logger

	sendMu   sync.Mutex
	sendCtx  context.Context
	seq      int64
	finished bool

	mu         sync.Mutex
	started    bool
	startCh    chan protocol.Message
	call       *Call
	cancelled  bool
	reason     string
	cancelCh   chan struct{}
	cancelTool context.CancelCauseFunc
}

func NewRunner(t transport.Transport, tools *ToolSet, opts ...Option) *Runner {
	r := &Runner{
		t:        t,
		tools:    tools,
		log:      slog.New(slog.DiscardHandler),
		startCh:  make(chan protocol.Message, 1),
		cancelCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the session to completion. It returns nil once a terminal
// message has been handed to the transport, and an error when the session
// could not be completed, for example because the host hung up.
func (r *Runner) Run(ctx context.Context) error {
	r.sendCtx = context.WithoutCancel(ctx)

	unsubscribe := r.t.Subscribe(r.handle)
	defer unsubscribe()

	if err := r.t.Send(r.sendCtx, protocol.Ready()); err != nil {
		return fmt.Errorf("worker: send ready: %w", err)
	}

	var start protocol.Message
	select {
	case start = <-r.startCh:
	case <-r.cancelCh:
		return r.send(protocol.Cancelled(r.cancelReason()))
	case <-r.t.Done():
		return ErrHostGone
	case <-ctx.Done():
		return ctx.Err()
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: start.SessionID, ToolName: start.ToolName, Side: "worker"})

	tool, ok := r.tools.Lookup(start.ToolName)
	if !ok {
		r.log.WarnContext(ctx, "worker.tool.not_found")
		return r.send(protocol.Error(protocol.ErrorToolNotFound, fmt.Sprintf("tool %q not found", start.ToolName), ""))
	}

	var caps protocol.Capabilities
	if start.Capabilities != nil {
		caps = *start.Capabilities
	}
	call := &Call{r: r, sessionID: start.SessionID, caps: caps}

	toolCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.mu.Lock()
	r.call = call
	r.cancelTool = cancel
	if r.cancelled {
		cancel(ErrCancelled)
	}
	r.mu.Unlock()

	go func() {
		select {
		case <-r.t.Done():
			cancel(ErrHostGone)
		case <-toolCtx.Done():
		}
	}()

	started := time.Now()
	r.log.InfoContext(ctx, "worker.tool.start")
	value, err := r.invoke(toolCtx, tool, call, start.Params)
	r.log.InfoContext(ctx, "worker.tool.done", slog.Duration("duration", time.Since(started)), slog.Bool("ok", err == nil))

	switch {
	case r.isCancelled():
		return r.send(protocol.Cancelled(r.cancelReason()))
	case errors.Is(context.Cause(toolCtx), ErrHostGone):
		return ErrHostGone
	case err != nil:
		name, message, stack := describe(err)
		if name == protocol.ErrorToolPanic {
			r.log.ErrorContext(ctx, "worker.tool.panic", slog.String("err", message))
		}
		return r.send(protocol.Error(name, message, stack))
	}

	raw, err := encodeValue(value)
	if err != nil {
		return r.send(protocol.Error(protocol.ErrorTool, fmt.Sprintf("encode result: %v", err), ""))
	}
	return r.send(protocol.Result(raw))
}

func (r *Runner) invoke(ctx context.Context, tool Tool, call *Call, params json.RawMessage) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: string(debug.Stack())}
		}
	}()
	return tool.Run(ctx, call, params)
}

func encodeValue(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("result is not valid JSON")
		}
		return v, nil
	case nil:
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

// send assigns the next lsn to a host-bound message and hands it to the
// transport. Nothing is sent after a terminal message.
func (r *Runner) send(msg protocol.Message) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.finished {
		return errFinished
	}
	r.seq++
	msg.LSN = r.seq
	if msg.Type.Terminal() {
		r.finished = true
	}
	return r.t.Send(r.sendCtx, msg)
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Runner) cancelReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *Runner) handle(msg protocol.Message) {
	ctx := context.Background()
	switch msg.Type {
	case protocol.TypeStart:
		r.mu.Lock()
		dup := r.started
		r.started = true
		r.mu.Unlock()
		if dup {
			r.log.WarnContext(ctx, "worker.start.duplicate")
			return
		}
		r.startCh <- msg
	case protocol.TypeSampleResponse, protocol.TypeElicitResponse:
		r.mu.Lock()
		call := r.call
		r.mu.Unlock()
		if call == nil {
			r.log.WarnContext(ctx, "worker.response.before_start", slog.String("type", string(msg.Type)))
			return
		}
		if msg.Type == protocol.TypeSampleResponse {
			call.resolve(ctx, kindSample, msg.SampleID, msg)
		} else {
			call.resolve(ctx, kindElicit, msg.ElicitID, msg)
		}
	case protocol.TypeCancel:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.cancelled {
			return
		}
		r.cancelled = true
		r.reason = msg.Reason
		if r.cancelTool != nil {
			r.cancelTool(ErrCancelled)
		} else {
			close(r.cancelCh)
		}
	default:
		r.log.WarnContext(ctx, "worker.message.unexpected", slog.String("type", string(msg.Type)))
	}
}
