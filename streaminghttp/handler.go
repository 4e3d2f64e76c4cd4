package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ggoodman/toolsessions-go/auth"
	"github.com/ggoodman/toolsessions-go/elicitation"
	"github.com/ggoodman/toolsessions-go/internal/logctx"
	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/registry"
	"github.com/ggoodman/toolsessions-go/sampling"
	"github.com/ggoodman/toolsessions-go/session"
	"github.com/ggoodman/toolsessions-go/store"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	maxBodyBytes          = 1 << 20
	defaultRealm          = "toolsessions"
)

// writeJSONError emits {"error":{"code":<status>,"message":"<reason>"}}.
// Safe to call after some headers are set but before the status is written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithSampler answers every sample request of sessions created through the
// handler with p. Clients can still answer requests themselves.
func WithSampler(p sampling.Provider) Option {
	return func(h *Handler) { h.sampler = p }
}

// WithAuthenticator requires a bearer token on every request. Sessions are
// then visible only to the subject that created them.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithRealm sets the realm advertised in bearer challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// Handler serves the session HTTP API.
type Handler struct {
	reg       *registry.Registry
	log       *slog.Logger
	sampler   sampling.Provider
	responder *sampling.Responder
	auth      auth.Authenticator
	realm     string
	router    chi.Router

	// creatorHolds lists sessions created here whose creator reference
	// has not been released by DELETE yet.
	mu           sync.Mutex
	creatorHolds map[string]struct{}
}

var _ http.Handler = (*Handler)(nil)

func New(reg *registry.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:          reg,
		log:          slog.New(slog.DiscardHandler),
		realm:        defaultRealm,
		creatorHolds: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sampler != nil {
		h.responder = sampling.NewResponder(h.sampler, sampling.WithLogger(h.log))
	}

	r := chi.NewRouter()
	r.Post("/sessions", h.handleCreate)
	r.Get("/sessions/{id}", h.handleGet)
	r.Delete("/sessions/{id}", h.handleDelete)
	r.Get("/sessions/{id}/events", h.handleEvents)
	r.Post("/sessions/{id}/samples/{sampleId}", h.handleSample)
	r.Post("/sessions/{id}/elicitations/{elicitId}", h.handleElicit)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	if h.auth != nil {
		p := h.checkAuthentication(ctx, r, w)
		if p == nil {
			return
		}
		ctx = auth.WithPrincipal(ctx, p)
	}
	h.router.ServeHTTP(w, r.WithContext(ctx))
}

// buildBearerChallenge renders an RFC 6750 WWW-Authenticate value.
func buildBearerChallenge(realm, errCode, desc string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	pieces := []string{fmt.Sprintf(`realm="%s"`, esc(realm))}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(errCode)))
	}
	if desc != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(desc)))
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// checkAuthentication writes the challenge and returns nil when the request
// does not carry an acceptable bearer token.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.Principal {
	header := r.Header.Get(authorizationHeader)
	if header == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(h.realm, "", ""))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}

	const bearerPrefix = "Bearer "
	tok := ""
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		tok = strings.TrimSpace(header[len(bearerPrefix):])
	}
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(h.realm, "invalid_request", "malformed bearer authorization header"))
		writeJSONError(w, http.StatusBadRequest, "malformed authorization header")
		return nil
	}

	p, err := h.auth.Authenticate(ctx, tok)
	switch {
	case err == nil:
		return p
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(h.realm, "insufficient_scope", err.Error()))
		writeJSONError(w, http.StatusForbidden, "insufficient scope")
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(h.realm, "invalid_token", err.Error()))
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
	}
	return nil
}

// visible reports whether the caller may see a session owned by owner.
func visible(ctx context.Context, owner string) bool {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return true
	}
	return owner == p.Subject()
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// decodeJSONBody enforces a JSON content type and decodes the body into dst.
// It writes the error response itself and reports whether decoding worked.
func (h *Handler) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		h.log.WarnContext(ctx, "body.decode.fail", slog.String("err", err.Error()))
		return false
	}
	return true
}

type createRequest struct {
	Tool         string                 `json:"tool"`
	Params       json.RawMessage        `json:"params,omitempty"`
	SessionID    string                 `json:"sessionId,omitempty"`
	Capabilities *protocol.Capabilities `json:"capabilities,omitempty"`
}

type sessionView struct {
	SessionID string         `json:"sessionId"`
	Tool      string         `json:"tool"`
	Status    string         `json:"status"`
	RefCount  int64          `json:"refCount"`
	CreatedAt time.Time      `json:"createdAt"`
	Live      bool           `json:"live"`
	LSN       int64          `json:"lsn,omitempty"`
	Pending   *pendingView   `json:"pending,omitempty"`
	Outcome   *session.Event `json:"outcome,omitempty"`
}

type pendingView struct {
	SampleID string `json:"sampleId,omitempty"`
	ElicitID string `json:"elicitId,omitempty"`
}

func view(ref registry.Ref) sessionView {
	v := sessionView{
		SessionID: ref.Entry.SessionID,
		Tool:      ref.Entry.ToolName,
		Status:    ref.Entry.Status,
		RefCount:  ref.Entry.RefCount,
		CreatedAt: ref.Entry.CreatedAt,
	}
	s := ref.Session
	if s == nil {
		return v
	}
	v.Live = true
	v.Status = string(s.Status())
	v.LSN = s.LSN()
	if sid, eid := s.Pending(); sid != "" || eid != "" {
		v.Pending = &pendingView{SampleID: sid, ElicitID: eid}
	}
	if out, ok := s.Outcome(); ok {
		v.Outcome = &out
	}
	return v
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req createRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}
	if req.Tool == "" {
		writeJSONError(w, http.StatusBadRequest, "tool is required")
		return
	}

	var opts []registry.CreateOption
	if req.SessionID != "" {
		opts = append(opts, registry.WithSessionID(req.SessionID))
	}
	if req.Capabilities != nil {
		opts = append(opts, registry.WithCapabilities(*req.Capabilities))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		opts = append(opts, registry.WithOwner(p.Subject()))
	}

	s, err := h.reg.Create(ctx, req.Tool, req.Params, opts...)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrSessionExists):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, registry.ErrClosed):
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		}
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	h.mu.Lock()
	h.creatorHolds[s.ID()] = struct{}{}
	h.mu.Unlock()
	sctx := logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), ToolName: s.ToolName(), Side: "host"})

	if h.responder != nil {
		go func() {
			fctx := context.WithoutCancel(sctx)
			if err := h.responder.Follow(fctx, s); err != nil {
				h.log.WarnContext(fctx, "sampling.follow.fail", slog.String("err", err.Error()))
			}
		}()
	}

	ref, err := h.reg.Get(ctx, s.ID())
	if err != nil {
		ref = registry.Ref{Session: s, Entry: store.Entry{
			SessionID: s.ID(),
			ToolName:  s.ToolName(),
			RefCount:  1,
			Status:    string(s.Status()),
			CreatedAt: s.CreatedAt(),
		}}
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			ref.Entry.Owner = p.Subject()
		}
	}
	w.Header().Set("Location", "/sessions/"+s.ID())
	writeJSON(w, http.StatusCreated, view(ref))
	h.log.InfoContext(sctx, "session.create.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(ref))
	h.log.DebugContext(ctx, "session.get.ok")
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.lookup(w, r)
	if !ok {
		return
	}
	id := ref.Entry.SessionID
	if ref.Session != nil {
		_ = ref.Session.Cancel(ctx, "deleted by client")
	}
	if !h.takeCreatorHold(id) {
		// Already released; other holders keep their references.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	err := h.reg.Release(ctx, id)
	switch {
	case err == nil, errors.Is(err, registry.ErrSessionNotFound):
	case errors.Is(err, store.ErrNegativeRefCount):
		// The creator's reference was already given up.
	default:
		writeJSONError(w, http.StatusInternalServerError, "failed to release session")
		h.log.ErrorContext(ctx, "session.release.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", id))
}

// takeCreatorHold reports whether the creator reference of id was still
// held, and marks it released.
func (h *Handler) takeCreatorHold(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.creatorHolds[id]; !ok {
		return false
	}
	delete(h.creatorHolds, id)
	return true
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	after, err := resumePoint(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, ok := h.liveSession(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	s, err := h.reg.Acquire(ctx, id)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	defer func() {
		if err := h.reg.Release(context.WithoutCancel(ctx), id); err != nil {
			h.log.WarnContext(ctx, "session.release.fail", slog.String("err", err.Error()))
		}
	}()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), ToolName: s.ToolName(), Side: "host"})

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.Int64("after", after))

	err = s.Subscribe(ctx, after, func(ev session.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := writeSSEEvent(wf, strconv.FormatInt(ev.LSN, 10), payload); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(ctx, "sse.message.deliver", slog.Int64("lsn", ev.LSN))
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// resumePoint reads Last-Event-ID, falling back to the after query value.
func resumePoint(r *http.Request) (int64, error) {
	raw := r.Header.Get(lastEventIDHeader)
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid resume point %q", raw)
	}
	return n, nil
}

func (h *Handler) handleSample(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, ok := h.liveSession(w, r)
	if !ok {
		return
	}
	var res protocol.SampleResult
	if !h.decodeJSONBody(w, r, &res) {
		return
	}
	h.respond(w, r, s.RespondToSample(ctx, chi.URLParam(r, "sampleId"), res))
}

func (h *Handler) handleElicit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, ok := h.liveSession(w, r)
	if !ok {
		return
	}
	var res protocol.ElicitResult
	if !h.decodeJSONBody(w, r, &res) {
		return
	}
	if !res.Action.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid action %q", res.Action))
		return
	}
	elicitID := chi.URLParam(r, "elicitId")
	if res.Action == protocol.ElicitActionAccept {
		if req, ok := s.Request(elicitID); ok {
			if err := elicitation.Validate(req.Schema, res.Content); err != nil {
				status := http.StatusUnprocessableEntity
				if errors.Is(err, elicitation.ErrInvalidSchema) {
					status = http.StatusBadGateway
				}
				writeJSONError(w, status, err.Error())
				h.log.InfoContext(ctx, "elicit.response.invalid", slog.String("err", err.Error()))
				return
			}
		}
	}
	h.respond(w, r, s.RespondToElicit(ctx, elicitID, res))
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
		h.log.InfoContext(ctx, "session.respond.ok")
	case errors.Is(err, session.ErrCorrelationMismatch):
		writeJSONError(w, http.StatusConflict, err.Error())
		h.log.WarnContext(ctx, "session.respond.mismatch", slog.String("err", err.Error()))
	default:
		writeJSONError(w, http.StatusBadGateway, "failed to forward response to worker")
		h.log.ErrorContext(ctx, "session.respond.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (registry.Ref, bool) {
	ref, err := h.reg.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && !visible(r.Context(), ref.Entry.Owner) {
		err = registry.ErrSessionNotFound
	}
	if err != nil {
		h.writeLookupError(w, r, err)
		return registry.Ref{}, false
	}
	return ref, true
}

func (h *Handler) liveSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	ref, ok := h.lookup(w, r)
	if !ok {
		return nil, false
	}
	if ref.Session == nil {
		writeJSONError(w, http.StatusConflict, "session is not live on this host")
		return nil, false
	}
	return ref.Session, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, registry.ErrSessionNotFound) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(r.Context(), "session.load.miss")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "failed to load session")
	h.log.ErrorContext(r.Context(), "session.load.fail", slog.String("err", err.Error()))
}
