// Package sampling connects sessions to language model providers. A
// Responder follows a session and answers each of its sample requests
// through a Provider, which is how a host embeds the session runtime in an
// automated chat loop.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/toolsessions-go/internal/logctx"
	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/session"
)

// Request is a single completion request raised by a tool.
type Request struct {
	SessionID string
	SampleID  string
	Messages  []protocol.SamplingMessage
	Options   *protocol.SampleOptions
}

// Provider produces completions.
type Provider interface {
	Complete(ctx context.Context, req Request) (*protocol.SampleResult, error)
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(ctx context.Context, req Request) (*protocol.SampleResult, error)

func (f ProviderFunc) Complete(ctx context.Context, req Request) (*protocol.SampleResult, error) {
	return f(ctx, req)
}

// Option configures a Responder.
type Option func(*Responder)

func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		if l != nil {
			r.log = l
		}
	}
}

// Responder answers sample requests with a Provider.
type Responder struct {
	provider Provider
	log      *slog.Logger
}

func NewResponder(p Provider, opts ...Option) *Responder {
	r := &Responder{provider: p, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Follow reads the session's events from the beginning and answers every
// sample request that is still pending when it is seen. A provider failure
// cancels the session, since no one else will answer. Follow returns nil
// once the session ends.
func (r *Responder) Follow(ctx context.Context, s *session.Session) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), ToolName: s.ToolName(), Side: "host"})
	return s.Subscribe(ctx, 0, func(ev session.Event) error {
		if ev.Type != protocol.TypeSampleRequest {
			return nil
		}
		if pending, _ := s.Pending(); pending != ev.SampleID {
			return nil
		}
		return r.answer(ctx, s, ev)
	})
}

func (r *Responder) answer(ctx context.Context, s *session.Session, ev session.Event) error {
	req := Request{
		SessionID: s.ID(),
		SampleID:  ev.SampleID,
		Messages:  ev.Messages,
		Options:   ev.Options,
	}
	res, err := r.provider.Complete(ctx, req)
	if err == nil && res == nil {
		err = errors.New("provider returned no result")
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.ErrorContext(ctx, "sampling.complete.failed", slog.String("sample_id", ev.SampleID), slog.String("err", err.Error()))
		return s.Cancel(ctx, fmt.Sprintf("sampling failed: %v", err))
	}
	r.log.DebugContext(ctx, "sampling.complete.ok", slog.String("sample_id", ev.SampleID), slog.String("model", res.Model))
	if err := s.RespondToSample(ctx, ev.SampleID, *res); err != nil && !errors.Is(err, session.ErrCorrelationMismatch) {
		return err
	}
	return nil
}
