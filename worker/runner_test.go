package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport/memory"
)

type fakeHost struct {
	t    *testing.T
	ep   *memory.Endpoint
	msgs chan protocol.Message
	done chan error
}

// startRunner launches a Runner over an in-memory pair and returns the host
// end, already subscribed.
func startRunner(t *testing.T, tools *ToolSet) *fakeHost {
	t.Helper()
	host, w := memory.NewPair()
	h := &fakeHost{t: t, ep: host, msgs: make(chan protocol.Message, 64), done: make(chan error, 1)}
	host.Subscribe(func(m protocol.Message) { h.msgs <- m })
	go func() {
		h.done <- Serve(context.Background(), w, tools)
	}()
	t.Cleanup(func() { _ = host.Close() })
	return h
}

func (h *fakeHost) next() protocol.Message {
	h.t.Helper()
	select {
	case m := <-h.msgs:
		return m
	case <-time.After(5 * time.Second):
		h.t.Fatalf("timed out waiting for worker message")
		return protocol.Message{}
	}
}

func (h *fakeHost) expect(ty protocol.Type) protocol.Message {
	h.t.Helper()
	m := h.next()
	if m.Type != ty {
		h.t.Fatalf("expected %s, got %s (%+v)", ty, m.Type, m)
	}
	return m
}

func (h *fakeHost) send(m protocol.Message) {
	h.t.Helper()
	if err := h.ep.Send(context.Background(), m); err != nil {
		h.t.Fatalf("host send: %v", err)
	}
}

func (h *fakeHost) start(tool string, params string, caps protocol.Capabilities) {
	h.t.Helper()
	h.expect(protocol.TypeReady)
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	h.send(protocol.Start("sess-1", tool, raw, caps))
}

func (h *fakeHost) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatalf("runner did not return")
		return nil
	}
}

var allCaps = protocol.Capabilities{Sampling: true, Elicitation: true}

type echoParams struct {
	Message string `json:"message"`
}

type echoResult struct {
	Echoed string `json:"echoed"`
}

func echoTool() Tool {
	return NewTypedTool("echo", func(ctx context.Context, call *Call, p echoParams) (echoResult, error) {
		return echoResult{Echoed: p.Message}, nil
	})
}

func TestRunnerEcho(t *testing.T) {
	h := startRunner(t, NewToolSet(echoTool()))
	h.start("echo", `{"message":"hello"}`, allCaps)

	res := h.expect(protocol.TypeResult)
	if res.LSN != 1 {
		t.Fatalf("first host-bound message should carry lsn 1, got %d", res.LSN)
	}
	var out echoResult
	if err := json.Unmarshal(res.Value, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Echoed != "hello" {
		t.Fatalf("echoed = %q", out.Echoed)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunnerUnknownTool(t *testing.T) {
	h := startRunner(t, NewToolSet(echoTool()))
	h.start("nonexistent", "", allCaps)

	m := h.expect(protocol.TypeError)
	if m.Name != protocol.ErrorToolNotFound {
		t.Fatalf("name = %q", m.Name)
	}
	if !strings.Contains(m.Message, "nonexistent") {
		t.Fatalf("message %q does not mention the tool", m.Message)
	}
	_ = h.wait()
}

func TestRunnerSampleRoundTrip(t *testing.T) {
	tool := NewTool("ask", func(ctx context.Context, call *Call, _ json.RawMessage) (any, error) {
		if err := call.Progress(ctx, "thinking"); err != nil {
			return nil, err
		}
		res, err := call.Sample(ctx, []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: "say hi"}}, nil)
		if err != nil {
			return nil, err
		}
		return map[string]string{"answer": res.Text}, nil
	})
	h := startRunner(t, NewToolSet(tool))
	h.start("ask", "", allCaps)

	p := h.expect(protocol.TypeProgress)
	req := h.expect(protocol.TypeSampleRequest)
	if req.LSN <= p.LSN {
		t.Fatalf("lsn not increasing: %d then %d", p.LSN, req.LSN)
	}
	if req.SampleID == "" {
		t.Fatalf("sample request without id")
	}

	// A response for an unknown id is dropped and the tool stays parked.
	h.send(protocol.SampleResponse("stale", protocol.SampleResult{Text: "wrong"}))
	h.send(protocol.SampleResponse(req.SampleID, protocol.SampleResult{Text: "hi"}))

	res := h.expect(protocol.TypeResult)
	if res.LSN != req.LSN+1 {
		t.Fatalf("result lsn = %d, want %d", res.LSN, req.LSN+1)
	}
	if string(res.Value) != `{"answer":"hi"}` {
		t.Fatalf("unexpected result %s", res.Value)
	}
	_ = h.wait()
}

func TestRunnerRejectsSecondPendingSample(t *testing.T) {
	second := make(chan error, 1)
	sent := make(chan struct{})
	tool := NewTool("double", func(ctx context.Context, call *Call, _ json.RawMessage) (any, error) {
		go func() {
			<-sent
			_, err := call.Sample(ctx, []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: "b"}}, nil)
			second <- err
		}()
		res, err := call.Sample(ctx, []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: "a"}}, nil)
		if err != nil {
			return nil, err
		}
		return res.Text, nil
	})
	h := startRunner(t, NewToolSet(tool))
	h.start("double", "", allCaps)

	req := h.expect(protocol.TypeSampleRequest)
	close(sent)
	select {
	case err := <-second:
		if !errors.Is(err, ErrRequestPending) {
			t.Fatalf("second Sample error = %v, want ErrRequestPending", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("second Sample did not return")
	}
	h.send(protocol.SampleResponse(req.SampleID, protocol.SampleResult{Text: "first"}))
	res := h.expect(protocol.TypeResult)
	if string(res.Value) != `"first"` {
		t.Fatalf("unexpected result %s", res.Value)
	}
	_ = h.wait()
}

func TestRunnerElicitType(t *testing.T) {
	type answer struct {
		Name string `json:"name"`
	}
	tool := NewTool("greet", func(ctx context.Context, call *Call, _ json.RawMessage) (any, error) {
		a, action, err := ElicitType[answer](ctx, call, "who", "What is your name?")
		if err != nil {
			return nil, err
		}
		if action != protocol.ElicitActionAccept {
			return "declined", nil
		}
		return "hello " + a.Name, nil
	})
	h := startRunner(t, NewToolSet(tool))
	h.start("greet", "", allCaps)

	req := h.expect(protocol.TypeElicitRequest)
	if req.Key != "who" || len(req.Schema) == 0 {
		t.Fatalf("unexpected elicit request %+v", req)
	}
	h.send(protocol.ElicitResponse(req.ElicitID, protocol.ElicitResult{Action: protocol.ElicitActionAccept, Content: json.RawMessage(`{"name":"ada"}`)}))
	res := h.expect(protocol.TypeResult)
	if string(res.Value) != `"hello ada"` {
		t.Fatalf("unexpected result %s", res.Value)
	}
	_ = h.wait()
}

func TestRunnerCapabilityUnsupported(t *testing.T) {
	tool := NewTool("ask", func(ctx context.Context, call *Call, _ json.RawMessage) (any, error) {
		_, err := call.Sample(ctx, []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: "x"}}, nil)
		if !IsCapabilityUnsupported(err) {
			t.Errorf("expected capability error, got %v", err)
		}
		return nil, err
	})
	h := startRunner(t, NewToolSet(tool))
	h.start("ask", "", protocol.Capabilities{})

	m := h.expect(protocol.TypeError)
	if m.Name != protocol.ErrorCapabilityUnsupported {
		t.Fatalf("name = %q", m.Name)
	}
	_ = h.wait()
}

func TestRunnerPanicAndErrors(t *testing.T) {
	tests := []struct {
		name      string
		fn        ToolFunc
		wantName  string
		wantStack bool
	}{
		{
			name:      "panic",
			fn:        func(context.Context, *Call, json.RawMessage) (any, error) { panic("boom") },
			wantName:  protocol.ErrorToolPanic,
			wantStack: true,
		},
		{
			name:     "plain error",
			fn:       func(context.Context, *Call, json.RawMessage) (any, error) { return nil, errors.New("nope") },
			wantName: protocol.ErrorTool,
		},
		{
			name:      "pkg/errors stack",
			fn:        func(context.Context, *Call, json.RawMessage) (any, error) { return nil, pkgerrors.New("traced") },
			wantName:  protocol.ErrorTool,
			wantStack: true,
		},
		{
			name: "resource limit",
			fn: func(context.Context, *Call, json.RawMessage) (any, error) {
				return nil, TokenBudgetExceeded(1200, 1000)
			},
			wantName: protocol.ErrorTokenBudgetExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startRunner(t, NewToolSet(NewTool("t", tt.fn)))
			h.start("t", "", allCaps)
			m := h.expect(protocol.TypeError)
			if m.Name != tt.wantName {
				t.Fatalf("name = %q, want %q", m.Name, tt.wantName)
			}
			if m.Message == "" {
				t.Fatalf("error message must not be empty")
			}
			if tt.wantStack && m.Stack == "" {
				t.Fatalf("expected a stack trace")
			}
			_ = h.wait()
		})
	}
}

func TestRunnerCancelWhileParked(t *testing.T) {
	parked := make(chan struct{})
	tool := NewTool("wait", func(ctx context.Context, call *Call, _ json.RawMessage) (any, error) {
		close(parked)
		_, err := call.Elicit(ctx, "k", "m", json.RawMessage(`{"type":"object","properties":{}}`))
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("Elicit error = %v, want ErrCancelled", err)
		}
		return nil, err
	})
	h := startRunner(t, NewToolSet(tool))
	h.start("wait", "", allCaps)

	h.expect(protocol.TypeElicitRequest)
	<-parked
	h.send(protocol.Cancel("user closed tab"))

	m := h.expect(protocol.TypeCancelled)
	if m.Reason != "user closed tab" {
		t.Fatalf("reason = %q", m.Reason)
	}
	_ = h.wait()
}

func TestRunnerHostHangup(t *testing.T) {
	tool := NewTool("wait", func(ctx context.Context, call *Call, _ json.RawMessage) (any, error) {
		_, err := call.Sample(ctx, []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: "x"}}, nil)
		return nil, err
	})
	h := startRunner(t, NewToolSet(tool))
	h.start("wait", "", allCaps)
	h.expect(protocol.TypeSampleRequest)

	_ = h.ep.Close()
	if err := h.wait(); !errors.Is(err, ErrHostGone) {
		t.Fatalf("Run error = %v, want ErrHostGone", err)
	}
}

func TestNamedErrorMatching(t *testing.T) {
	err := BranchDepthExceeded(5, 4)
	if !IsBranchDepthExceeded(err) {
		t.Fatalf("expected branch depth error")
	}
	if IsBranchTimeout(err) {
		t.Fatalf("branch depth error must not match timeout")
	}
	if !IsBranchTimeout(BranchTimeout(time.Second)) {
		t.Fatalf("expected branch timeout error")
	}
	wrapped := WrapError("Custom", errors.New("inner"))
	name, msg, _ := describe(wrapped)
	if name != "Custom" || msg != "inner" {
		t.Fatalf("describe = %q, %q", name, msg)
	}
}
