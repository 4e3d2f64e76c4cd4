package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport/memory"
	"github.com/ggoodman/toolsessions-go/worker"
)

func startSession(t *testing.T, tools *worker.ToolSet, tool, params string, opts ...Option) *Session {
	t.Helper()
	host, err := worker.InProcess(tools).Launch(context.Background(), "sess-"+tool)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	s := New("sess-"+tool, tool, raw, host, opts...)
	t.Cleanup(func() { _ = s.Cancel(context.Background(), "test cleanup") })
	return s
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cur := s.Status()
	for cur != want {
		next, err := s.WaitStatusChange(ctx, cur)
		if err != nil {
			t.Fatalf("waiting for status %s (at %s): %v", want, cur, err)
		}
		if next.Terminal() && next != want {
			t.Fatalf("session ended with %s while waiting for %s", next, want)
		}
		cur = next
	}
}

func collect(t *testing.T, s *Session, after int64) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Event
	if err := s.Subscribe(ctx, after, func(ev Event) error {
		out = append(out, ev)
		return nil
	}); err != nil {
		t.Fatalf("subscribe after %d: %v", after, err)
	}
	return out
}

func TestSessionEchoCompletes(t *testing.T) {
	tools := worker.NewToolSet(worker.NewTool("echo", func(ctx context.Context, call *worker.Call, params json.RawMessage) (any, error) {
		return params, nil
	}))
	s := startSession(t, tools, "echo", `{"message":"hi"}`)

	evs := collect(t, s, 0)
	if len(evs) != 1 {
		t.Fatalf("expected a single event, got %+v", evs)
	}
	if evs[0].Type != protocol.TypeResult || evs[0].LSN != 1 {
		t.Fatalf("unexpected event %+v", evs[0])
	}
	if string(evs[0].Value) != `{"message":"hi"}` {
		t.Fatalf("value = %s", evs[0].Value)
	}
	if s.Status() != StatusCompleted {
		t.Fatalf("status = %s", s.Status())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed after completion")
	}
	if out, ok := s.Outcome(); !ok || out.Type != protocol.TypeResult {
		t.Fatalf("outcome = %+v, %v", out, ok)
	}
}

func chattyTool() worker.Tool {
	return worker.NewTool("chatty", func(ctx context.Context, call *worker.Call, _ json.RawMessage) (any, error) {
		for i := 0; i < 4; i++ {
			if err := call.ProgressRatio(ctx, fmt.Sprintf("step %d", i), float64(i)/4); err != nil {
				return nil, err
			}
		}
		if err := call.Log(ctx, protocol.LogLevelInfo, "almost done"); err != nil {
			return nil, err
		}
		return "done", nil
	})
}

func TestSessionEventsResumable(t *testing.T) {
	s := startSession(t, worker.NewToolSet(chattyTool()), "chatty", "")
	all := collect(t, s, 0)
	if len(all) != 6 {
		t.Fatalf("expected 6 events, got %d", len(all))
	}
	for i, ev := range all {
		if ev.LSN != int64(i+1) {
			t.Fatalf("event %d has lsn %d", i, ev.LSN)
		}
	}
	if !all[len(all)-1].Terminal() {
		t.Fatalf("last event should be terminal: %+v", all[len(all)-1])
	}
	for k := 0; k <= len(all); k++ {
		got := collect(t, s, int64(k))
		want := all[k:]
		if len(got) != len(want) {
			t.Fatalf("after %d: got %d events, want %d", k, len(got), len(want))
		}
		for i := range got {
			if !reflect.DeepEqual(got[i], want[i]) {
				t.Fatalf("after %d: event %d differs: %+v vs %+v", k, i, got[i], want[i])
			}
		}
	}
	if s.LSN() != int64(len(all)) {
		t.Fatalf("LSN() = %d", s.LSN())
	}
}

func TestSessionStreamFollowsLiveEvents(t *testing.T) {
	release := make(chan struct{})
	tools := worker.NewToolSet(worker.NewTool("slow", func(ctx context.Context, call *worker.Call, _ json.RawMessage) (any, error) {
		_ = call.Progress(ctx, "first")
		<-release
		return 1, nil
	}))
	s := startSession(t, tools, "slow", "")
	st := s.Events(0)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := st.Next(ctx)
	if err != nil || ev.Type != protocol.TypeProgress {
		t.Fatalf("first event = %+v, %v", ev, err)
	}
	close(release)
	ev, err = st.Next(ctx)
	if err != nil || ev.Type != protocol.TypeResult || ev.LSN != 2 {
		t.Fatalf("second event = %+v, %v", ev, err)
	}
	if _, err := st.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamCloseUnblocksNext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	tools := worker.NewToolSet(worker.NewTool("block", func(ctx context.Context, call *worker.Call, _ json.RawMessage) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}))
	s := startSession(t, tools, "block", "")
	st := s.Events(0)
	errc := make(chan error, 1)
	go func() {
		_, err := st.Next(context.Background())
		errc <- err
	}()
	st.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Next did not return after Close")
	}
}

func samplingTool() worker.Tool {
	return worker.NewTool("ask", func(ctx context.Context, call *worker.Call, _ json.RawMessage) (any, error) {
		res, err := call.Sample(ctx, []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: "2+2?"}}, nil)
		if err != nil {
			return nil, err
		}
		return res.Text, nil
	})
}

func TestSessionSampleRoundTrip(t *testing.T) {
	s := startSession(t, worker.NewToolSet(samplingTool()), "ask", "")
	waitStatus(t, s, StatusAwaitingSample)

	sampleID, elicitID := s.Pending()
	if sampleID == "" || elicitID != "" {
		t.Fatalf("pending = %q, %q", sampleID, elicitID)
	}
	ctx := context.Background()
	if err := s.RespondToSample(ctx, sampleID, protocol.SampleResult{Text: "4", Model: "test"}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if err := s.RespondToSample(ctx, sampleID, protocol.SampleResult{Text: "5"}); err != nil {
		t.Fatalf("repeated respond should be a no-op: %v", err)
	}

	evs := collect(t, s, 0)
	types := make([]protocol.Type, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	want := []protocol.Type{protocol.TypeSampleRequest, protocol.TypeSampleResponse, protocol.TypeResult}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	if evs[0].SampleID != sampleID || evs[1].SampleID != sampleID {
		t.Fatalf("events not correlated: %+v", evs)
	}
	if string(evs[2].Value) != `"4"` {
		t.Fatalf("result = %s", evs[2].Value)
	}
	if err := s.RespondToSample(ctx, "whatever", protocol.SampleResult{}); err != nil {
		t.Fatalf("respond with nothing pending: %v", err)
	}
}

func TestSessionCorrelationMismatch(t *testing.T) {
	s := startSession(t, worker.NewToolSet(samplingTool()), "ask", "")
	waitStatus(t, s, StatusAwaitingSample)

	err := s.RespondToSample(context.Background(), "not-the-id", protocol.SampleResult{Text: "x"})
	if !errors.Is(err, ErrCorrelationMismatch) {
		t.Fatalf("expected ErrCorrelationMismatch, got %v", err)
	}
	if s.Status() != StatusAwaitingSample {
		t.Fatalf("mismatch changed status to %s", s.Status())
	}
	if err := s.RespondToElicit(context.Background(), "nope", protocol.ElicitResult{Action: protocol.ElicitActionDecline}); err != nil {
		t.Fatalf("elicit response with none pending: %v", err)
	}
}

type contact struct {
	Name string `json:"name" jsonschema:"required"`
	Age  int    `json:"age,omitempty"`
}

func TestSessionElicitRoundTrip(t *testing.T) {
	tools := worker.NewToolSet(worker.NewTool("who", func(ctx context.Context, call *worker.Call, _ json.RawMessage) (any, error) {
		c, action, err := worker.ElicitType[contact](ctx, call, "contact", "Who are you?")
		if err != nil {
			return nil, err
		}
		if action != protocol.ElicitActionAccept {
			return string(action), nil
		}
		return c.Name, nil
	}))
	s := startSession(t, tools, "who", "")
	waitStatus(t, s, StatusAwaitingElicit)

	var evs []Event
	st := s.Events(0)
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := st.Next(ctx)
	if err != nil || req.Type != protocol.TypeElicitRequest {
		t.Fatalf("first event = %+v, %v", req, err)
	}
	if req.Key != "contact" || len(req.Schema) == 0 {
		t.Fatalf("elicit request missing fields: %+v", req)
	}
	if err := s.RespondToElicit(ctx, req.ElicitID, protocol.ElicitResult{
		Action:  protocol.ElicitActionAccept,
		Content: json.RawMessage(`{"name":"Ada"}`),
	}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	for {
		ev, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		evs = append(evs, ev)
	}
	if len(evs) != 2 || evs[0].Type != protocol.TypeElicitResponse || evs[1].Type != protocol.TypeResult {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[0].Action != protocol.ElicitActionAccept {
		t.Fatalf("response event action = %q", evs[0].Action)
	}
	if string(evs[1].Value) != `"Ada"` {
		t.Fatalf("result = %s", evs[1].Value)
	}
}

func TestSessionCancelWhileAwaiting(t *testing.T) {
	s := startSession(t, worker.NewToolSet(samplingTool()), "ask", "", WithCancelGrace(100*time.Millisecond))
	waitStatus(t, s, StatusAwaitingSample)
	sampleID, _ := s.Pending()

	ctx := context.Background()
	if err := s.Cancel(ctx, "user abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.Cancel(ctx, "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if s.Status() != StatusCancelled {
		t.Fatalf("status = %s", s.Status())
	}
	if err := s.RespondToSample(ctx, sampleID, protocol.SampleResult{Text: "late"}); err != nil {
		t.Fatalf("respond after cancel: %v", err)
	}

	// Give the worker time to send its own terminal message; it must not
	// show up as a second terminal event.
	time.Sleep(200 * time.Millisecond)
	evs := collect(t, s, 0)
	terminals := 0
	for _, ev := range evs {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d in %+v", terminals, evs)
	}
	last := evs[len(evs)-1]
	if last.Type != protocol.TypeCancelled || last.Reason != "user abort" {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestSessionToolErrorFails(t *testing.T) {
	tools := worker.NewToolSet(worker.NewTool("boom", func(ctx context.Context, call *worker.Call, _ json.RawMessage) (any, error) {
		return nil, worker.NewError("Boom", "it broke")
	}))
	s := startSession(t, tools, "boom", "")
	evs := collect(t, s, 0)
	if len(evs) != 1 || evs[0].Type != protocol.TypeError {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Name != "Boom" || evs[0].Message != "it broke" {
		t.Fatalf("error event = %+v", evs[0])
	}
	if s.Status() != StatusFailed {
		t.Fatalf("status = %s", s.Status())
	}
}

func TestSessionUnknownToolFails(t *testing.T) {
	s := startSession(t, worker.NewToolSet(), "missing", "")
	evs := collect(t, s, 0)
	if len(evs) != 1 || evs[0].Name != protocol.ErrorToolNotFound {
		t.Fatalf("events = %+v", evs)
	}
}

func TestSessionConcurrentIndependence(t *testing.T) {
	tools := worker.NewToolSet(worker.NewTool("echo", func(ctx context.Context, call *worker.Call, params json.RawMessage) (any, error) {
		if err := call.Progress(ctx, "working"); err != nil {
			return nil, err
		}
		return params, nil
	}))
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		s := startSession(t, tools, "echo", fmt.Sprintf(`{"i":%d}`, i))
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var evs []Event
			if err := s.Subscribe(ctx, 0, func(ev Event) error {
				evs = append(evs, ev)
				return nil
			}); err != nil {
				errs <- err
				return
			}
			if len(evs) != 2 || evs[1].LSN != 2 {
				errs <- fmt.Errorf("session %d: events %+v", i, evs)
				return
			}
			if want := fmt.Sprintf(`{"i":%d}`, i); string(evs[1].Value) != want {
				errs <- fmt.Errorf("session %d: value %s, want %s", i, evs[1].Value, want)
			}
		}(i, s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// scriptedWorker drives the worker end of a transport by hand.
type scriptedWorker struct {
	t    *testing.T
	ep   *memory.Endpoint
	msgs chan protocol.Message
}

func newScripted(t *testing.T, opts ...Option) (*Session, *scriptedWorker) {
	t.Helper()
	host, w := memory.NewPair()
	sw := &scriptedWorker{t: t, ep: w, msgs: make(chan protocol.Message, 16)}
	w.Subscribe(func(m protocol.Message) { sw.msgs <- m })
	s := New("scripted", "tool", nil, host, opts...)
	t.Cleanup(func() { _ = w.Close() })
	return s, sw
}

func (w *scriptedWorker) send(m protocol.Message, lsn int64) {
	w.t.Helper()
	m.LSN = lsn
	if err := w.ep.Send(context.Background(), m); err != nil {
		w.t.Fatalf("worker send: %v", err)
	}
}

func (w *scriptedWorker) expect(ty protocol.Type) protocol.Message {
	w.t.Helper()
	select {
	case m := <-w.msgs:
		if m.Type != ty {
			w.t.Fatalf("expected %s, got %+v", ty, m)
		}
		return m
	case <-time.After(5 * time.Second):
		w.t.Fatalf("timed out waiting for %s", ty)
		return protocol.Message{}
	}
}

func (w *scriptedWorker) handshake() {
	w.t.Helper()
	w.send(protocol.Ready(), 0)
	start := w.expect(protocol.TypeStart)
	if start.SessionID != "scripted" || start.ToolName != "tool" {
		w.t.Fatalf("start = %+v", start)
	}
	if !start.Capabilities.Sampling || !start.Capabilities.Elicitation {
		w.t.Fatalf("start capabilities = %+v", start.Capabilities)
	}
}

func TestSessionStartsOnReady(t *testing.T) {
	s, w := newScripted(t)
	if s.Status() != StatusInitializing {
		t.Fatalf("initial status = %s", s.Status())
	}
	w.handshake()
	waitStatus(t, s, StatusRunning)
	w.send(protocol.Ready(), 0)
	select {
	case m := <-w.msgs:
		t.Fatalf("second ready produced %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionReordersByLSN(t *testing.T) {
	s, w := newScripted(t)
	w.handshake()
	w.send(protocol.Progress("two", nil), 2)
	w.send(protocol.Progress("one", nil), 1)
	w.send(protocol.Progress("one", nil), 1)
	w.send(protocol.Result(json.RawMessage(`true`)), 3)

	evs := collect(t, s, 0)
	if len(evs) != 3 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Message != "one" || evs[1].Message != "two" || evs[2].Type != protocol.TypeResult {
		t.Fatalf("events out of order: %+v", evs)
	}
}

func TestSessionDuplicatePendingIsProtocolError(t *testing.T) {
	s, w := newScripted(t, WithCancelGrace(50*time.Millisecond))
	w.handshake()
	msgs := []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: "a"}}
	w.send(protocol.SampleRequest("s1", msgs, nil), 1)
	w.send(protocol.SampleRequest("s2", msgs, nil), 2)

	waitStatus(t, s, StatusFailed)
	out, ok := s.Outcome()
	if !ok || out.Name != protocol.ErrorProtocol {
		t.Fatalf("outcome = %+v", out)
	}
	w.expect(protocol.TypeCancel)
}

func TestSessionMissingLSNIsProtocolError(t *testing.T) {
	s, w := newScripted(t, WithCancelGrace(50*time.Millisecond))
	w.handshake()
	w.send(protocol.Progress("no lsn", nil), 0)
	waitStatus(t, s, StatusFailed)
	if out, _ := s.Outcome(); out.Name != protocol.ErrorProtocol {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSessionWorkerDisconnected(t *testing.T) {
	s, w := newScripted(t)
	w.handshake()
	w.send(protocol.Progress("working", nil), 1)
	_ = w.ep.Close()

	waitStatus(t, s, StatusFailed)
	evs := collect(t, s, 0)
	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[1].Type != protocol.TypeError || evs[1].Name != protocol.ErrorWorkerDisconnected {
		t.Fatalf("terminal = %+v", evs[1])
	}
}

func TestSessionIgnoresMessagesAfterTerminal(t *testing.T) {
	s, w := newScripted(t)
	w.handshake()
	w.send(protocol.Result(json.RawMessage(`1`)), 1)
	waitStatus(t, s, StatusCompleted)
	w.send(protocol.Progress("late", nil), 2)
	time.Sleep(50 * time.Millisecond)
	if got := collect(t, s, 0); len(got) != 1 {
		t.Fatalf("events after terminal: %+v", got)
	}
}

func TestSessionCapabilitiesForwarded(t *testing.T) {
	s, w := newScripted(t, WithCapabilities(protocol.Capabilities{Sampling: true}))
	w.send(protocol.Ready(), 0)
	start := w.expect(protocol.TypeStart)
	if !start.Capabilities.Sampling || start.Capabilities.Elicitation {
		t.Fatalf("capabilities = %+v", start.Capabilities)
	}
	_ = s
}

func TestWaitStatusChangeHonorsContext(t *testing.T) {
	s, _ := newScripted(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := s.WaitStatusChange(ctx, StatusInitializing)
	if !errors.Is(err, context.DeadlineExceeded) || st != StatusInitializing {
		t.Fatalf("got %s, %v", st, err)
	}
}
