// Package registry owns the live sessions of a host process. It launches a
// worker for each new session, tracks references in a store.Store, and
// collects sessions that are both finished and unreferenced.
//
// Reference counting follows a simple protocol: Create hands the caller one
// reference, Acquire adds one, and Release drops one. A session whose count
// reaches zero is removed as soon as it is terminal; until then its monitor
// keeps it alive.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ggoodman/toolsessions-go/internal/logctx"
	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/session"
	"github.com/ggoodman/toolsessions-go/store"
	"github.com/ggoodman/toolsessions-go/worker"
	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned for ids that were never created or have
	// already been collected. Collection is permanent.
	ErrSessionNotFound = errors.New("registry: session not found")
	// ErrSessionExists is returned by Create when the requested id is taken.
	ErrSessionExists = errors.New("registry: session already exists")
	// ErrClosed is returned by Create after Close.
	ErrClosed = errors.New("registry: closed")
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithSessionOptions appends options applied to every session created.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Registry) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// CreateOption configures a single Create call.
type CreateOption func(*createOptions)

type createOptions struct {
	id    string
	owner string
	caps  *protocol.Capabilities
}

// WithSessionID uses id instead of a generated one.
func WithSessionID(id string) CreateOption {
	return func(o *createOptions) { o.id = id }
}

// WithOwner records the subject that created the session.
func WithOwner(subject string) CreateOption {
	return func(o *createOptions) { o.owner = subject }
}

// WithCapabilities limits the backchannels offered to the tool.
func WithCapabilities(caps protocol.Capabilities) CreateOption {
	return func(o *createOptions) { o.caps = &caps }
}

// Ref is a non-owning view of a session. Session is nil when the entry is
// known to the store but the session is not live in this process.
type Ref struct {
	Session *session.Session
	Entry   store.Entry
}

// Registry is safe for concurrent use.
type Registry struct {
	store       store.Store
	launcher    worker.Launcher
	log         *slog.Logger
	sessionOpts []session.Option

	monitorCtx   context.Context
	stopMonitors context.CancelFunc
	monitors     sync.WaitGroup

	// mu serializes reference count changes with collection.
	mu       sync.Mutex
	live     map[string]*session.Session
	owners   map[string]string
	reserved map[string]struct{}
	closed   bool
}

func New(st store.Store, launcher worker.Launcher, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		store:        st,
		launcher:     launcher,
		log:          slog.New(slog.DiscardHandler),
		monitorCtx:   ctx,
		stopMonitors: cancel,
		live:         make(map[string]*session.Session),
		owners:       make(map[string]string),
		reserved:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create launches tool with params and returns the new session. The caller
// owns one reference and must Release it.
func (r *Registry) Create(ctx context.Context, tool string, params json.RawMessage, opts ...CreateOption) (*session.Session, error) {
	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}
	id := co.id
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := r.live[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if _, ok := r.reserved[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.reserved[id] = struct{}{}
	r.mu.Unlock()

	unreserve := func() {
		r.mu.Lock()
		delete(r.reserved, id)
		r.mu.Unlock()
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, ToolName: tool, Side: "host"})

	t, err := r.launcher.Launch(ctx, id)
	if err != nil {
		unreserve()
		r.log.ErrorContext(ctx, "registry.launch.failed", slog.String("err", err.Error()))
		return nil, fmt.Errorf("registry: launch worker: %w", err)
	}

	sopts := append([]session.Option{session.WithLogger(r.log)}, r.sessionOpts...)
	if co.caps != nil {
		sopts = append(sopts, session.WithCapabilities(*co.caps))
	}
	s := session.New(id, tool, params, t, sopts...)

	entry := store.Entry{
		SessionID: id,
		ToolName:  tool,
		RefCount:  1,
		Status:    string(s.Status()),
		CreatedAt: s.CreatedAt(),
		Owner:     co.owner,
	}
	if err := r.store.Set(ctx, entry); err != nil {
		_ = s.Cancel(ctx, "registry: store unavailable")
		unreserve()
		return nil, fmt.Errorf("registry: record session: %w", err)
	}

	r.mu.Lock()
	delete(r.reserved, id)
	if r.closed {
		// Close ran while the worker was launching and will not see s.
		r.mu.Unlock()
		_ = s.Cancel(ctx, "registry closed")
		if err := r.store.Delete(context.WithoutCancel(ctx), id); err != nil {
			r.log.WarnContext(ctx, "registry.store.delete_failed", slog.String("err", err.Error()))
		}
		return nil, ErrClosed
	}
	r.live[id] = s
	r.owners[id] = co.owner
	r.monitors.Add(1)
	r.mu.Unlock()

	go r.monitor(s)

	r.log.InfoContext(ctx, "registry.session.created")
	return s, nil
}

// Get returns the session without taking a reference. A live session is
// returned even when its store entry has gone missing.
func (r *Registry) Get(ctx context.Context, id string) (Ref, error) {
	r.mu.Lock()
	s, owner := r.live[id], r.owners[id]
	r.mu.Unlock()

	e, err := r.store.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound) && s != nil:
		r.log.WarnContext(ctx, "registry.store.entry_missing", slog.String("session_id", id))
		return Ref{Session: s, Entry: entryFor(s, 0, owner)}, nil
	case errors.Is(err, store.ErrNotFound):
		return Ref{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	case err != nil:
		return Ref{}, err
	}
	return Ref{Session: s, Entry: *e}, nil
}

// entryFor describes s as a store entry.
func entryFor(s *session.Session, refs int64, owner string) store.Entry {
	return store.Entry{
		SessionID: s.ID(),
		ToolName:  s.ToolName(),
		RefCount:  refs,
		Status:    string(s.Status()),
		CreatedAt: s.CreatedAt(),
		Owner:     owner,
	}
}

// Acquire takes a reference on a live session.
func (r *Registry) Acquire(ctx context.Context, id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	n, err := r.store.UpdateRefCount(ctx, id, 1)
	if errors.Is(err, store.ErrNotFound) {
		// The entry expired while the session stayed live. Record it again
		// with the caller as its only holder.
		r.log.WarnContext(ctx, "registry.store.entry_missing", slog.String("session_id", id))
		n, err = 1, r.store.Set(ctx, entryFor(s, 1, r.owners[id]))
	}
	if err != nil {
		return nil, fmt.Errorf("registry: acquire %s: %w", id, err)
	}
	r.log.DebugContext(ctx, "registry.session.acquired", slog.String("session_id", id), slog.Int64("refs", n))
	return s, nil
}

// Release drops a reference. The session is collected immediately when this
// was the last reference and it has finished; otherwise collection waits for
// it to finish.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.store.UpdateRefCount(ctx, id, -1)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	case errors.Is(err, store.ErrNegativeRefCount):
		return err
	case err != nil:
		return fmt.Errorf("registry: release %s: %w", id, err)
	}
	r.log.DebugContext(ctx, "registry.session.released", slog.String("session_id", id), slog.Int64("refs", n))
	if n > 0 {
		return nil
	}
	s := r.live[id]
	if s == nil || s.Status().Terminal() {
		return r.collectLocked(ctx, id)
	}
	return nil
}

// Live returns the ids of sessions held in memory, sorted.
func (r *Registry) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels every live session and waits for their monitors to record
// the outcome, or for ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*session.Session, 0, len(r.live))
	for _, s := range r.live {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Cancel(ctx, "host shutting down")
	}

	done := make(chan struct{})
	go func() {
		r.monitors.Wait()
		close(done)
	}()
	defer r.stopMonitors()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// monitor mirrors status transitions into the store and collects the
// session once it is terminal and unreferenced.
func (r *Registry) monitor(s *session.Session) {
	defer r.monitors.Done()
	ctx := logctx.WithSessionData(r.monitorCtx, &logctx.SessionData{SessionID: s.ID(), ToolName: s.ToolName(), Side: "host"})

	known := session.StatusInitializing
	for {
		st, err := s.WaitStatusChange(ctx, known)
		if err != nil {
			return
		}
		known = st
		if err := r.store.UpdateStatus(ctx, s.ID(), string(st)); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.log.WarnContext(ctx, "registry.store.update_failed", slog.String("status", string(st)), slog.String("err", err.Error()))
		}
		if st.Terminal() {
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.store.Get(ctx, s.ID())
	if errors.Is(err, store.ErrNotFound) {
		delete(r.live, s.ID())
		delete(r.owners, s.ID())
		return
	}
	if err != nil {
		r.log.WarnContext(ctx, "registry.store.get_failed", slog.String("err", err.Error()))
		return
	}
	if e.RefCount == 0 {
		_ = r.collectLocked(ctx, s.ID())
	}
}

func (r *Registry) collectLocked(ctx context.Context, id string) error {
	delete(r.live, id)
	delete(r.owners, id)
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	r.log.InfoContext(ctx, "registry.session.collected", slog.String("session_id", id))
	return nil
}
