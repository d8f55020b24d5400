package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/kansa/internal/agent"
	"github.com/harunnryd/kansa/internal/approval"
	"github.com/harunnryd/kansa/internal/audit"
	"github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/logger"
	"github.com/harunnryd/kansa/internal/policy"

	"github.com/go-chi/chi/v5"
)

type actorRequest struct {
	Actor string `json:"actor"`
}

type proposeRequest struct {
	Platform        string `json:"platform"`
	SessionKey      string `json:"session_key"`
	ChannelID       string `json:"channel_id"`
	ChannelName     string `json:"channel_name"`
	ReviewChannelID string `json:"review_channel_id"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name"`
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	ThreadAnchor    string `json:"thread_anchor"`
}

type proposeResponse struct {
	RefID     string    `json:"ref_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type acceptedResponse struct {
	RefID  string `json:"ref_id"`
	Status string `json:"status"`
}

type rejectedResponse struct {
	RefID string   `json:"ref_id"`
	Tools []string `json:"tools"`
}

type shareRequest struct {
	ReaderChannelID string `json:"reader_channel_id"`
	SourceChannelID string `json:"source_channel_id"`
	Text            string `json:"text"`
}

type shareResponse struct {
	Text string `json:"text"`
}

type scopesResponse struct {
	Scopes []policy.MemoryScope `json:"scopes"`
}

// detach keeps request values such as the trace id but not its deadline.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func refParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "ref"))
}

// actor reads the optional {"actor": ...} body.
func actor(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req actorRequest
	if err := decode(w, r, &req); err != nil {
		return "", err
	}
	return strings.TrimSpace(req.Actor), nil
}

func (s *Server) handleBeforeToolCall(w http.ResponseWriter, r *http.Request) {
	var req agent.HookRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SessionKey) == "" || strings.TrimSpace(req.ToolName) == "" {
		writeError(w, r, errors.InvalidInput("session_key and tool_name are required"))
		return
	}

	d := s.gw.BeforeToolCall(r.Context(), req.SessionKey, req.ToolName, req.Params)
	writeJSON(w, http.StatusOK, agent.HookResponse{Block: d.Block, Reason: d.Reason})
}

func (s *Server) handleGetBlocked(w http.ResponseWriter, r *http.Request) {
	set, ok := s.gw.PeekBlocked(refParam(r))
	if !ok {
		writeError(w, r, errors.NotFound("blocked call set "+refParam(r)))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// handleApproveBlocked accepts the approval and re-dispatches in the
// background; the outcome reaches the chat, not this response.
func (s *Server) handleApproveBlocked(w http.ResponseWriter, r *http.Request) {
	who, err := actor(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	refID := refParam(r)
	if _, ok := s.gw.PeekBlocked(refID); !ok {
		writeError(w, r, errors.NotFound("blocked call set "+refID))
		return
	}

	s.async(detach(r), "api-approve", func(ctx context.Context) {
		if _, err := s.gw.Approve(ctx, refID, who); err != nil {
			logger.FromContext(ctx).Error("Approval re-dispatch failed", "ref_id", refID, "error", err)
		}
	})
	writeJSON(w, http.StatusAccepted, acceptedResponse{RefID: refID, Status: "accepted"})
}

func (s *Server) handleRejectBlocked(w http.ResponseWriter, r *http.Request) {
	who, err := actor(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	set, err := s.gw.Reject(r.Context(), refParam(r), who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rejectedResponse{RefID: set.RefID, Tools: set.ToolNames()})
}

func (s *Server) handleProposeAnswer(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		writeError(w, r, errors.InvalidInput("channel_id is required"))
		return
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = gateway.InboundMessage{Platform: req.Platform, ChannelID: req.ChannelID}.BaseSessionKey()
	}

	refID, err := s.gw.Propose(r.Context(), approval.Pending{
		SessionKey:      sessionKey,
		ChannelID:       req.ChannelID,
		ChannelName:     req.ChannelName,
		ReviewChannelID: req.ReviewChannelID,
		SenderID:        req.SenderID,
		SenderName:      req.SenderName,
		Question:        req.Question,
		Answer:          req.Answer,
		ThreadAnchor:    req.ThreadAnchor,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := s.gw.Peek(refID)
	writeJSON(w, http.StatusCreated, proposeResponse{RefID: refID, ExpiresAt: p.ExpiresAt})
}

func (s *Server) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.gw.Peek(refParam(r))
	if !ok {
		writeError(w, r, errors.NotFound("pending answer "+refParam(r)))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleApproveAnswer(w http.ResponseWriter, r *http.Request) {
	who, err := actor(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.gw.ApproveAnswer(r.Context(), refParam(r), who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRejectAnswer(w http.ResponseWriter, r *http.Request) {
	who, err := actor(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.gw.RejectAnswer(r.Context(), refParam(r), who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	doc, err := s.gw.Policy().Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleMemoryScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.gw.MemoryScopes(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scopesResponse{Scopes: scopes})
}

func (s *Server) handleShareMemory(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	text, err := s.gw.ShareMemory(r.Context(), req.ReaderChannelID, req.SourceChannelID, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{Text: text})
}

type auditResponse struct {
	Entries []*audit.Entry `json:"entries"`
}

// handleAudit lists audit entries filtered by session, tool, decision and
// an RFC 3339 since/until window. limit keeps the newest n entries.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &audit.Filter{
		SessionKey: q.Get("session"),
		ToolName:   q.Get("tool"),
		Decision:   q.Get("decision"),
	}
	var err error
	if v := q.Get("since"); v != "" {
		if filter.StartTime, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, r, errors.InvalidInput("since must be RFC 3339"))
			return
		}
	}
	if v := q.Get("until"); v != "" {
		if filter.EndTime, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, r, errors.InvalidInput("until must be RFC 3339"))
			return
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, r, errors.InvalidInput("limit must be a non-negative integer"))
			return
		}
	}

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, errors.WrapWithCategory(err, "query audit log", errors.ErrTransient))
		return
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries})
}
