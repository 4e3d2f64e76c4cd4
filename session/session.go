// Package session implements the host side of a tool session: a state
// machine wrapped around a transport to a worker.
//
// A session assigns every event a logical sequence number (lsn), starting at
// 1, and keeps every event so consumers can replay from any point with
// Events(afterLSN). Backchannel requests from the worker move the session
// into awaiting_sample or awaiting_elicit until RespondToSample or
// RespondToElicit supplies the matching answer.
//
// Failures of the tool or of its worker are reported as error events, never
// as errors from the event stream.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/toolsessions-go/internal/logctx"
	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport"
)

var (
	// ErrCorrelationMismatch is returned when a response names a request id
	// other than the one currently pending. It signals a caller bug.
	ErrCorrelationMismatch = errors.New("session: response id does not match pending request")
)

// DefaultCancelGrace is how long a cancelled session waits for its worker
// to acknowledge before closing the transport.
const DefaultCancelGrace = 5 * time.Second

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCapabilities sets the backchannels advertised to the worker. Both are
// enabled by default.
func WithCapabilities(caps protocol.Capabilities) Option {
	return func(s *Session) { s.caps = caps }
}

// WithCancelGrace overrides DefaultCancelGrace.
func WithCancelGrace(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.cancelGrace = d
		}
	}
}

// Session is the host-side view of one tool execution.
type Session struct {
	id          string
	tool        string
	params      json.RawMessage
	caps        protocol.Capabilities
	t           transport.Transport
	log         *slog.Logger
	logCtx      context.Context
	cancelGrace time.Duration
	createdAt   time.Time

	unsubscribe func()

	mu            sync.Mutex
	status        Status
	lsn           int64
	events        []Event
	changed       chan struct{}
	done          chan struct{}
	started       bool
	pendingSample string
	pendingElicit string
	resolved      map[string]struct{}
	nextSeq       int64
	reorder       map[int64]protocol.Message

	workerGone     chan struct{}
	workerGoneOnce sync.Once
}

// New wraps t, the host end of a transport whose worker has been launched.
// The session sends start once the worker reports ready.
func New(id, tool string, params json.RawMessage, t transport.Transport, opts ...Option) *Session {
	s := &Session{
		id:          id,
		tool:        tool,
		params:      params,
		caps:        protocol.Capabilities{Sampling: true, Elicitation: true},
		t:           t,
		log:         slog.New(slog.DiscardHandler),
		cancelGrace: DefaultCancelGrace,
		createdAt:   time.Now().UTC(),
		status:      StatusInitializing,
		changed:     make(chan struct{}),
		done:        make(chan struct{}),
		resolved:    make(map[string]struct{}),
		nextSeq:     1,
		reorder:     make(map[int64]protocol.Message),
		workerGone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logCtx = logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: id, ToolName: tool, Side: "host"})

	s.unsubscribe = t.Subscribe(s.handle)
	go s.watchTransport()
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) ToolName() string     { return s.tool }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current state without blocking on the worker.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LSN returns the sequence number of the most recent event, or 0.
func (s *Session) LSN() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsn
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the terminal event once the session has finished.
func (s *Session) Outcome() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() || len(s.events) == 0 {
		return Event{}, false
	}
	return s.events[len(s.events)-1], true
}

// Pending returns the ids of outstanding sample and elicit requests. Empty
// strings mean nothing is pending.
func (s *Session) Pending() (sampleID, elicitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSample, s.pendingElicit
}

// Request returns the sample_request or elicit_request event carrying the
// given correlation id.
func (s *Session) Request(id string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		switch {
		case ev.Type == protocol.TypeSampleRequest && ev.SampleID == id,
			ev.Type == protocol.TypeElicitRequest && ev.ElicitID == id:
			return ev, true
		}
	}
	return Event{}, false
}

// WaitStatusChange blocks until the status differs from known and returns
// the new status.
func (s *Session) WaitStatusChange(ctx context.Context, known Status) (Status, error) {
	for {
		s.mu.Lock()
		st, ch := s.status, s.changed
		s.mu.Unlock()
		if st != known {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// RespondToSample answers the pending sample request. It is a no-op when
// nothing is pending or id was already answered, and returns
// ErrCorrelationMismatch when id is some other request.
func (s *Session) RespondToSample(ctx context.Context, id string, res protocol.SampleResult) error {
	msg := protocol.SampleResponse(id, res)
	if !s.resolve(&s.pendingSample, id, msg) {
		return s.mismatch(&s.pendingSample, id)
	}
	return s.forward(ctx, msg)
}

// RespondToElicit answers the pending elicit request with the same
// semantics as RespondToSample.
func (s *Session) RespondToElicit(ctx context.Context, id string, res protocol.ElicitResult) error {
	msg := protocol.ElicitResponse(id, res)
	if err := msg.Validate(); err != nil {
		return err
	}
	if !s.resolve(&s.pendingElicit, id, msg) {
		return s.mismatch(&s.pendingElicit, id)
	}
	return s.forward(ctx, msg)
}

// resolve clears slot when it holds id and records the response event. It
// reports false when the response must not be forwarded.
func (s *Session) resolve(slot *string, id string, msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || *slot == "" || *slot != id {
		return false
	}
	*slot = ""
	s.resolved[id] = struct{}{}
	s.appendLocked(msg)
	s.setStatusLocked(s.activeStatusLocked())
	return true
}

// mismatch decides whether an unforwarded response was a harmless repeat or
// a caller bug.
func (s *Session) mismatch(slot *string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || *slot == "" {
		return nil
	}
	if _, ok := s.resolved[id]; ok {
		return nil
	}
	if *slot == id {
		// Resolved concurrently by another caller.
		return nil
	}
	return fmt.Errorf("%w: got %q, pending %q", ErrCorrelationMismatch, id, *slot)
}

func (s *Session) forward(ctx context.Context, msg protocol.Message) error {
	if err := s.t.Send(ctx, msg); err != nil {
		s.log.WarnContext(s.logCtx, "session.response.send_failed", slog.String("type", string(msg.Type)), slog.String("err", err.Error()))
		return fmt.Errorf("session: forward %s: %w", msg.Type, err)
	}
	return nil
}

// Cancel ends the session with a cancelled event. The worker is asked to
// stop, but it may keep running until it observes the request. Cancelling a
// finished session does nothing.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.finishLocked(protocol.Cancelled(reason), StatusCancelled)
	s.mu.Unlock()

	s.log.InfoContext(s.logCtx, "session.cancel", slog.String("reason", reason))
	s.stopWorker(ctx, reason)
	return nil
}

// stopWorker sends cancel and closes the transport once the worker has
// finished or the grace period has elapsed.
func (s *Session) stopWorker(ctx context.Context, reason string) {
	if err := s.t.Send(context.WithoutCancel(ctx), protocol.Cancel(reason)); err != nil {
		s.log.DebugContext(s.logCtx, "session.cancel.send_failed", slog.String("err", err.Error()))
	}
	go func() {
		select {
		case <-s.workerGone:
		case <-time.After(s.cancelGrace):
			s.log.InfoContext(s.logCtx, "session.cancel.grace_elapsed")
		}
		s.closeTransport()
	}()
}

func (s *Session) closeTransport() {
	s.unsubscribe()
	_ = s.t.Close()
}

func (s *Session) markWorkerGone() {
	s.workerGoneOnce.Do(func() { close(s.workerGone) })
}

func (s *Session) watchTransport() {
	select {
	case <-s.t.Done():
	case <-s.workerGone:
		return
	}
	s.markWorkerGone()

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	cause := s.t.Err()
	msg := "worker disconnected"
	if cause != nil {
		msg = fmt.Sprintf("worker disconnected: %v", cause)
	}
	s.finishLocked(protocol.Error(protocol.ErrorWorkerDisconnected, msg, ""), StatusFailed)
	s.mu.Unlock()

	s.log.WarnContext(s.logCtx, "session.worker.disconnected", slog.Any("err", cause))
	s.closeTransport()
}

func (s *Session) handle(msg protocol.Message) {
	if msg.Type == protocol.TypeReady {
		s.onReady()
		return
	}
	if !msg.Type.HostBound() {
		s.log.WarnContext(s.logCtx, "session.message.unexpected", slog.String("type", string(msg.Type)))
		return
	}

	s.mu.Lock()
	if msg.LSN <= 0 {
		s.violationLocked(fmt.Sprintf("%s message without lsn", msg.Type))
		return
	}
	if msg.LSN < s.nextSeq {
		s.mu.Unlock()
		s.log.DebugContext(s.logCtx, "session.message.duplicate", slog.Int64("lsn", msg.LSN))
		return
	}
	s.reorder[msg.LSN] = msg
	for {
		next, ok := s.reorder[s.nextSeq]
		if !ok {
			break
		}
		delete(s.reorder, s.nextSeq)
		s.nextSeq++
		if !s.applyLocked(next) {
			// applyLocked released the lock.
			return
		}
	}
	s.mu.Unlock()
}

func (s *Session) onReady() {
	s.mu.Lock()
	if s.started || s.status != StatusInitializing {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	start := protocol.Start(s.id, s.tool, s.params, s.caps)
	if err := s.t.Send(context.Background(), start); err != nil {
		s.log.WarnContext(s.logCtx, "session.start.send_failed", slog.String("err", err.Error()))
		s.mu.Lock()
		if !s.status.Terminal() {
			s.finishLocked(protocol.Error(protocol.ErrorWorkerDisconnected, fmt.Sprintf("start: %v", err), ""), StatusFailed)
		}
		s.mu.Unlock()
		s.closeTransport()
		return
	}

	s.mu.Lock()
	if s.status == StatusInitializing {
		s.setStatusLocked(StatusRunning)
	}
	s.mu.Unlock()
	s.log.DebugContext(s.logCtx, "session.start.sent")
}

// applyLocked applies one in-order worker message. It returns false if it
// released s.mu.
func (s *Session) applyLocked(msg protocol.Message) bool {
	if s.status.Terminal() {
		if msg.Type.Terminal() {
			s.markWorkerGone()
		}
		return true
	}
	switch msg.Type {
	case protocol.TypeProgress, protocol.TypeLog:
		s.appendLocked(msg)
	case protocol.TypeSampleRequest:
		if s.pendingSample != "" {
			s.violationLocked("sample request while another is pending")
			return false
		}
		s.pendingSample = msg.SampleID
		s.appendLocked(msg)
		s.setStatusLocked(StatusAwaitingSample)
	case protocol.TypeElicitRequest:
		if s.pendingElicit != "" {
			s.violationLocked("elicit request while another is pending")
			return false
		}
		s.pendingElicit = msg.ElicitID
		s.appendLocked(msg)
		s.setStatusLocked(StatusAwaitingElicit)
	case protocol.TypeResult:
		s.finishLocked(msg, StatusCompleted)
	case protocol.TypeError:
		s.finishLocked(msg, StatusFailed)
	case protocol.TypeCancelled:
		s.finishLocked(msg, StatusCancelled)
	}
	if msg.Type.Terminal() {
		s.markWorkerGone()
		s.mu.Unlock()
		s.log.InfoContext(s.logCtx, "session.finished", slog.String("type", string(msg.Type)))
		s.closeTransport()
		return false
	}
	return true
}

// violationLocked fails the session with a ProtocolError and releases s.mu.
func (s *Session) violationLocked(reason string) {
	terminal := s.status.Terminal()
	if !terminal {
		s.finishLocked(protocol.Error(protocol.ErrorProtocol, reason, ""), StatusFailed)
	}
	s.mu.Unlock()
	if terminal {
		return
	}
	s.log.WarnContext(s.logCtx, "session.protocol.violation", slog.String("reason", reason))
	s.stopWorker(context.Background(), reason)
}

func (s *Session) activeStatusLocked() Status {
	switch {
	case s.pendingSample != "":
		return StatusAwaitingSample
	case s.pendingElicit != "":
		return StatusAwaitingElicit
	}
	return StatusRunning
}

func (s *Session) appendLocked(msg protocol.Message) {
	s.lsn++
	s.events = append(s.events, Event{
		LSN:       s.lsn,
		Timestamp: time.Now().UTC(),
		Type:      msg.Type,
		Body:      msg.Body,
	})
	s.broadcastLocked()
}

func (s *Session) setStatusLocked(st Status) {
	if s.status == st {
		return
	}
	s.status = st
	s.broadcastLocked()
}

// finishLocked appends the terminal event and enters a terminal status.
func (s *Session) finishLocked(msg protocol.Message, st Status) {
	s.pendingSample, s.pendingElicit = "", ""
	s.appendLocked(msg)
	s.setStatusLocked(st)
	close(s.done)
}

func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
