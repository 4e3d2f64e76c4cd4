package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ggoodman/toolsessions-go/elicitation"
	"github.com/ggoodman/toolsessions-go/protocol"
)

type requestKind int

const (
	kindSample requestKind = iota
	kindElicit
)

type pendingRequest struct {
	id string
	ch chan protocol.Message
}

// Call is a tool's handle on its session. Progress and Log return
// immediately; Sample and Elicit park the calling goroutine until the host
// answers or ctx ends.
type Call struct {
	r         *Runner
	sessionID string
	caps      protocol.Capabilities

	mu      sync.Mutex
	pending [2]*pendingRequest
}

func (c *Call) SessionID() string { return c.sessionID }

// Capabilities reports which backchannels the host serves for this session.
func (c *Call) Capabilities() protocol.Capabilities { return c.caps }

// Progress reports a status message without a completion estimate.
func (c *Call) Progress(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.r.send(protocol.Progress(message, nil))
}

// ProgressRatio reports a status message with a completion ratio in [0,1].
func (c *Call) ProgressRatio(ctx context.Context, message string, ratio float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.r.send(protocol.Progress(message, &ratio))
}

func (c *Call) Log(ctx context.Context, level protocol.LogLevel, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.r.send(protocol.Log(level, message))
}

// Sample asks the host for an LLM completion.
func (c *Call) Sample(ctx context.Context, messages []protocol.SamplingMessage, opts *protocol.SampleOptions) (protocol.SampleResult, error) {
	if !c.caps.Sampling {
		return protocol.SampleResult{}, capabilityUnsupported("sampling")
	}
	id := uuid.NewString()
	msg, err := c.await(ctx, kindSample, id, protocol.SampleRequest(id, messages, opts))
	if err != nil {
		return protocol.SampleResult{}, err
	}
	return msg.SampleResult(), nil
}

// Elicit asks the user for structured input shaped by schema. The schema is
// passed through to the host unchanged.
func (c *Call) Elicit(ctx context.Context, key, message string, schema json.RawMessage) (protocol.ElicitResult, error) {
	if !c.caps.Elicitation {
		return protocol.ElicitResult{}, capabilityUnsupported("elicitation")
	}
	id := uuid.NewString()
	msg, err := c.await(ctx, kindElicit, id, protocol.ElicitRequest(id, key, message, schema))
	if err != nil {
		return protocol.ElicitResult{}, err
	}
	return msg.ElicitResult(), nil
}

// ElicitType elicits a value of struct type T, deriving the schema from T.
// The returned action tells whether the user accepted; the value is only
// populated on accept.
func ElicitType[T any](ctx context.Context, c *Call, key, message string) (T, protocol.ElicitAction, error) {
	var zero T
	proj, err := elicitation.For[T]()
	if err != nil {
		return zero, "", err
	}
	schema, err := proj.Schema().Raw()
	if err != nil {
		return zero, "", err
	}
	res, err := c.Elicit(ctx, key, message, schema)
	if err != nil {
		return zero, "", err
	}
	if res.Action != protocol.ElicitActionAccept {
		return zero, res.Action, nil
	}
	var out T
	if err := proj.Decode(res.Content, &out, false); err != nil {
		return zero, res.Action, err
	}
	return out, res.Action, nil
}

func (c *Call) await(ctx context.Context, kind requestKind, id string, req protocol.Message) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, err
	}
	p := &pendingRequest{id: id, ch: make(chan protocol.Message, 1)}

	c.mu.Lock()
	if c.pending[kind] != nil {
		c.mu.Unlock()
		return protocol.Message{}, ErrRequestPending
	}
	c.pending[kind] = p
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		if c.pending[kind] == p {
			c.pending[kind] = nil
		}
		c.mu.Unlock()
	}

	if err := c.r.send(req); err != nil {
		release()
		return protocol.Message{}, err
	}

	select {
	case msg := <-p.ch:
		return msg, nil
	case <-ctx.Done():
		release()
		return protocol.Message{}, context.Cause(ctx)
	}
}

// resolve hands a response to the request waiting for it. Responses that do
// not match the pending id are dropped.
func (c *Call) resolve(ctx context.Context, kind requestKind, id string, msg protocol.Message) {
	c.mu.Lock()
	p := c.pending[kind]
	if p == nil || p.id != id {
		c.mu.Unlock()
		c.r.log.DebugContext(ctx, "worker.response.dropped", slog.String("type", string(msg.Type)), slog.String("id", id))
		return
	}
	c.pending[kind] = nil
	c.mu.Unlock()
	p.ch <- msg
}
