// Package server exposes the sync engine over HTTP: push, pull, effective
// permissions, delegation management and a websocket change notifier.
// Every failure is reported with the uniform body {"ok":false,"error":...}.
package server

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
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/ledgersync/internal/ledger"
	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/pull"
	"github.com/tonimelisma/ledgersync/internal/push"
)

// defaultMaxBodyBytes bounds request bodies.
const defaultMaxBodyBytes = 32 << 20

// retryAfterSeconds is advertised when the catch-up gate fails.
const retryAfterSeconds = 2

// notifyWriteTimeout bounds a single websocket frame write.
const notifyWriteTimeout = 5 * time.Second

var errBadRequest = errors.New("server: bad request")

// Deps are the components a Server routes to.
type Deps struct {
	Ingestor     *push.Ingestor
	Distributor  *pull.Distributor
	Resolver     *perms.Resolver
	Ledger       *ledger.Ledger
	Tokens       *Tokens
	Hub          *Hub
	MaxBodyBytes int64
}

// Server holds the HTTP handlers.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Server.
func New(deps Deps, logger *slog.Logger) *Server {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}

	if deps.Hub == nil {
		deps.Hub = NewHub()
	}

	return &Server{deps: deps, logger: logger}
}

// Hub returns the change notifier the server publishes to.
func (s *Server) Hub() *Hub {
	return s.deps.Hub
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Post("/sync/push", s.handlePush)
		api.Get("/sync/pull", s.handlePull)
		api.Get("/sync/notify", s.handleNotify)
		api.Get("/permissions/effective", s.handleEffective)
		api.Get("/delegations", s.handleListDelegations)
		api.Post("/delegations", s.handleGrant)
		api.Post("/delegations/{id}/revoke", s.handleRevoke)
	})

	return r
}

type actorKey struct{}

func actorFrom(ctx context.Context) perms.Actor {
	a, _ := ctx.Value(actorKey{}).(perms.Actor)
	return a
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.fail(w, r, ErrUnauthenticated)
			return
		}

		actor, err := s.deps.Tokens.Authenticate(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "

	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}

	token := strings.TrimSpace(header[len(prefix):])

	return token, token != ""
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity
					panic(rec)
				}

				s.logger.Error("handler panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req push.Request
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.deps.Ingestor.Push(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cursor, err := queryInt(q.Get("cursor"))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: cursor: %w", errBadRequest, err))
		return
	}

	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: limit: %w", errBadRequest, err))
		return
	}

	resp, err := s.deps.Distributor.Pull(r.Context(), actorFrom(r.Context()), pull.Request{
		Cursor:   cursor,
		Limit:    int(limit),
		ClientID: q.Get("client_id"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func queryInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New("must be an integer")
	}

	return n, nil
}

func (s *Server) handleEffective(w http.ResponseWriter, r *http.Request) {
	set, err := s.deps.Resolver.EffectivePermissions(r.Context(), actorFrom(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "permissions": set})
}

func (s *Server) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = actor.ID
	}

	if userID != actor.ID {
		if err := s.deps.Resolver.Require(r.Context(), actor.ID, perms.CodeUsersManage); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	list, err := s.deps.Resolver.ListForUser(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if list == nil {
		list = []perms.Delegation{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "delegations": list})
}

type grantBody struct {
	ToUserID string     `json:"to_user_id"`
	Code     perms.Code `json:"perm_code"`
	StartsAt int64      `json:"starts_at"`
	EndsAt   int64      `json:"ends_at"`
	Note     string     `json:"note"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var body grantBody
	if err := s.decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	d, err := s.deps.Resolver.Grant(r.Context(), perms.GrantRequest{
		FromUserID: actorFrom(r.Context()).ID,
		ToUserID:   body.ToUserID,
		Code:       body.Code,
		StartsAt:   body.StartsAt,
		EndsAt:     body.EndsAt,
		Note:       body.Note,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "delegation": d})
}

type revokeBody struct {
	Note string `json:"note"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body revokeBody
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
			s.fail(w, r, err)
			return
		}
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Resolver.Revoke(r.Context(), id, actorFrom(r.Context()).ID, body.Note); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// notifyFrame is the websocket message sent on every ledger advance.
type notifyFrame struct {
	ServerLastSeq int64 `json:"server_last_seq"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())

	if err := s.deps.Resolver.Require(r.Context(), actor.ID, perms.CodeSyncUse); err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sub, cancelSub := s.deps.Hub.Subscribe()
	defer cancelSub()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	current, err := s.deps.Ledger.MaxSeq(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "ledger unavailable")
		return
	}

	if err := s.writeFrame(ctx, conn, current); err != nil {
		return
	}

	s.logger.Debug("notify subscriber connected", slog.String("user_id", actor.ID))

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case seq, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}

			if err := s.writeFrame(ctx, conn, seq); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, seq int64) error {
	writeCtx, cancel := context.WithTimeout(ctx, notifyWriteTimeout)
	defer cancel()

	if err := wsjson.Write(writeCtx, conn, notifyFrame{ServerLastSeq: seq}); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "write failed")
		return err
	}

	return nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err)
	}

	return nil
}

// fail maps err onto a status code and writes the uniform error body.
// Internal errors are logged and replaced by a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, perms.ErrPermissionDenied):
		return http.StatusForbidden, "permission denied"
	case errors.Is(err, ledger.ErrCatchUpFailed):
		return http.StatusServiceUnavailable, "ledger catch-up failed, retry later"
	case errors.Is(err, push.ErrValidation),
		errors.Is(err, pull.ErrValidation),
		errors.Is(err, perms.ErrInvalid),
		errors.Is(err, perms.ErrUnknownCode),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, perms.ErrNotFound):
		return http.StatusNotFound, "not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
