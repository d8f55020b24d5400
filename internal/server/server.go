// Package server exposes the gateway over HTTP: the tool-call hook for
// remote agents, the answer-review API and the chat platform webhooks.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/harunnryd/kansa/internal/approval"
	"github.com/harunnryd/kansa/internal/audit"
	"github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/logger"
	"github.com/harunnryd/kansa/internal/observe"
	"github.com/harunnryd/kansa/internal/policy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Gateway is the slice of *gateway.Gateway the API drives.
type Gateway interface {
	BeforeToolCall(ctx context.Context, sessionKey, toolName string, params json.RawMessage) observe.Decision
	PeekBlocked(refID string) (observe.BlockedCallSet, bool)
	Approve(ctx context.Context, refID, actor string) (gateway.ApproveResult, error)
	Reject(ctx context.Context, refID, actor string) (observe.BlockedCallSet, error)
	Propose(ctx context.Context, p approval.Pending) (string, error)
	Peek(refID string) (approval.Pending, bool)
	ApproveAnswer(ctx context.Context, refID, actor string) (approval.Pending, error)
	RejectAnswer(ctx context.Context, refID, actor string) (approval.Pending, error)
	MemoryScopes(ctx context.Context, channelID string) ([]policy.MemoryScope, error)
	ShareMemory(ctx context.Context, readerChannelID, sourceChannelID, text string) (string, error)
	Policy() *policy.Store
}

// Runner runs work that outlives the request.
type Runner func(ctx context.Context, name string, fn func(ctx context.Context))

type Options struct {
	// APIToken, when set, is required as a bearer token on /v1 routes.
	APIToken string
	// Webhooks registers platform webhook routes, served under /slack
	// outside the /v1 auth (they carry their own signatures).
	Webhooks func(mux *http.ServeMux)
	// Health serves /health.
	Health http.HandlerFunc
	// Audit, when set, serves the tool-call audit trail at /v1/audit.
	Audit audit.Logger
	// Async runs approvals in the background. Defaults to a goroutine.
	Async  Runner
	Logger *slog.Logger
}

type Server struct {
	gw     Gateway
	audit  audit.Logger
	async  Runner
	router *chi.Mux
}

func New(gw Gateway, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{gw: gw, audit: opts.Audit, async: opts.Async, router: chi.NewRouter()}
	if s.async == nil {
		s.async = func(ctx context.Context, _ string, fn func(ctx context.Context)) {
			go fn(ctx)
		}
	}

	r := s.router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	if opts.Health != nil {
		r.Get("/health", opts.Health)
	}
	if opts.Webhooks != nil {
		mux := http.NewServeMux()
		opts.Webhooks(mux)
		r.Mount("/slack", mux)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.APIToken))
		r.Post("/hooks/before-tool-call", s.handleBeforeToolCall)

		r.Get("/blocked/{ref}", s.handleGetBlocked)
		r.Post("/blocked/{ref}/approve", s.handleApproveBlocked)
		r.Post("/blocked/{ref}/reject", s.handleRejectBlocked)

		r.Post("/answers", s.handleProposeAnswer)
		r.Get("/answers/{ref}", s.handleGetAnswer)
		r.Post("/answers/{ref}/approve", s.handleApproveAnswer)
		r.Post("/answers/{ref}/reject", s.handleRejectAnswer)

		r.Get("/policy", s.handlePolicy)
		r.Get("/channels/{channel}/memory-scopes", s.handleMemoryScopes)
		r.Post("/memory/share", s.handleShareMemory)

		if s.audit != nil {
			r.Get("/audit", s.handleAudit)
		}
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
	TraceID  string `json:"trace_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status. Internal failures hide the message
// behind the trace id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	traceID := logger.GetTraceID(r.Context())
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.FromContext(r.Context()).Error("Request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	AddError(r.Context(), err)
	writeJSON(w, status, errorResponse{Error: msg, Category: errors.Category(err), TraceID: traceID})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.InvalidInput("invalid JSON body: " + err.Error())
	}
	return nil
}
