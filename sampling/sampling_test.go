package sampling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/session"
	"github.com/ggoodman/toolsessions-go/worker"
)

func twoQuestions() worker.Tool {
	return worker.NewTool("quiz", func(ctx context.Context, call *worker.Call, _ json.RawMessage) (any, error) {
		var answers []string
		for _, q := range []string{"first?", "second?"} {
			res, err := call.Sample(ctx, []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: q}}, &protocol.SampleOptions{MaxTokens: 16})
			if err != nil {
				return nil, err
			}
			answers = append(answers, res.Text)
		}
		return strings.Join(answers, ","), nil
	})
}

func start(t *testing.T, tool worker.Tool) *session.Session {
	t.Helper()
	host, err := worker.InProcess(worker.NewToolSet(tool)).Launch(context.Background(), "s")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	s := session.New("s", tool.Name(), nil, host, session.WithCancelGrace(100*time.Millisecond))
	t.Cleanup(func() { _ = s.Cancel(context.Background(), "cleanup") })
	return s
}

func TestResponderAnswersEveryRequest(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc(func(ctx context.Context, req Request) (*protocol.SampleResult, error) {
		calls.Add(1)
		if req.SessionID != "s" || req.SampleID == "" {
			t.Errorf("unexpected request %+v", req)
		}
		if req.Options == nil || req.Options.MaxTokens != 16 {
			t.Errorf("options not forwarded: %+v", req.Options)
		}
		return &protocol.SampleResult{Text: strings.TrimSuffix(req.Messages[0].Content, "?"), Model: "fake"}, nil
	})
	s := start(t, twoQuestions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := NewResponder(p).Follow(ctx, s); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	out, ok := s.Outcome()
	if !ok || out.Type != protocol.TypeResult || string(out.Value) != `"first,second"` {
		t.Fatalf("outcome = %+v", out)
	}
	if calls.Load() != 2 {
		t.Fatalf("provider called %d times", calls.Load())
	}
}

func TestResponderSkipsAnsweredRequests(t *testing.T) {
	s := start(t, twoQuestions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur := s.Status()
	for cur != session.StatusAwaitingSample {
		var err error
		if cur, err = s.WaitStatusChange(ctx, cur); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	id, _ := s.Pending()
	if err := s.RespondToSample(ctx, id, protocol.SampleResult{Text: "manual"}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	var seen []string
	p := ProviderFunc(func(ctx context.Context, req Request) (*protocol.SampleResult, error) {
		seen = append(seen, req.Messages[0].Content)
		return &protocol.SampleResult{Text: "auto"}, nil
	})
	if err := NewResponder(p).Follow(ctx, s); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if len(seen) != 1 || seen[0] != "second?" {
		t.Fatalf("provider saw %v", seen)
	}
	if out, _ := s.Outcome(); string(out.Value) != `"manual,auto"` {
		t.Fatalf("outcome = %s", out.Value)
	}
}

func TestResponderCancelsOnProviderFailure(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, req Request) (*protocol.SampleResult, error) {
		return nil, errors.New("rate limited")
	})
	s := start(t, twoQuestions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := NewResponder(p).Follow(ctx, s); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	out, _ := s.Outcome()
	if out.Type != protocol.TypeCancelled || !strings.Contains(out.Reason, "rate limited") {
		t.Fatalf("outcome = %+v", out)
	}
}
