package observe

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/harunnryd/kansa/internal/audit"
	"github.com/harunnryd/kansa/internal/ephemeral"
	"github.com/harunnryd/kansa/internal/logger"
)

const DefaultBlockedTTL = 30 * time.Minute

const (
	ReasonNoSession   = "no_observed_session"
	ReasonNotMutating = "not_mutating"
	ReasonApproved    = "approved_by_reviewer"
	ReasonPending     = "pending_review"
)

// Decision is the result of intercepting one tool call. A blocked call
// carries the session so the caller can tell the user the action is
// pending review. Blocked calls must not be retried by the tool loop.
type Decision struct {
	Block   bool
	Reason  string
	Session *Session
}

// BlockedCallSet is the snapshot behind one review card.
type BlockedCallSet struct {
	RefID      string        `json:"ref_id"`
	SessionKey string        `json:"session_key"`
	Session    Session       `json:"session"`
	Tools      []BlockedTool `json:"tools"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// CollectResult is returned to the dispatcher right after a dispatch so the
// card can be rendered without reading the store back.
type CollectResult struct {
	RefID     string
	Tools     []BlockedTool
	Session   Session
	ExpiresAt time.Time
}

// ToolNames lists the blocked tool names in first-seen order.
func (s BlockedCallSet) ToolNames() []string {
	names := make([]string, len(s.Tools))
	for i, t := range s.Tools {
		names[i] = t.Name
	}
	return names
}

type GateOption func(*Gate)

func WithAuditLogger(al audit.Logger) GateOption {
	return func(g *Gate) { g.audit = al }
}

func WithBlockedStore(s *ephemeral.Store[BlockedCallSet]) GateOption {
	return func(g *Gate) { g.blocked = s }
}

// Gate decides, per tool call, whether an observed session may proceed.
type Gate struct {
	registry *Registry
	mutating map[string]struct{}
	blocked  *ephemeral.Store[BlockedCallSet]
	audit    audit.Logger
}

func NewGate(registry *Registry, mutatingTools []string, opts ...GateOption) *Gate {
	g := &Gate{
		registry: registry,
		mutating: make(map[string]struct{}, len(mutatingTools)),
	}
	for _, name := range mutatingTools {
		if name = strings.TrimSpace(name); name != "" {
			g.mutating[name] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.blocked == nil {
		g.blocked = ephemeral.NewStore[BlockedCallSet](DefaultBlockedTTL)
	}
	return g
}

func (g *Gate) Registry() *Registry {
	return g.registry
}

// IsMutating reports whether toolName is in the gated set.
func (g *Gate) IsMutating(toolName string) bool {
	_, ok := g.mutating[strings.TrimSpace(toolName)]
	return ok
}

// ShouldBlockTool is the before-tool-call hook.
func (g *Gate) ShouldBlockTool(ctx context.Context, sessionKey, toolName string, params json.RawMessage) Decision {
	sessionKey = strings.TrimSpace(sessionKey)
	toolName = strings.TrimSpace(toolName)
	if sessionKey != "" && logger.GetSessionKey(ctx) == "" {
		ctx = logger.WithSessionKey(ctx, sessionKey)
	}

	var d Decision
	switch {
	case sessionKey == "":
		d = Decision{Reason: ReasonNoSession}
	case !g.IsMutating(toolName):
		d = Decision{Reason: ReasonNotMutating}
	default:
		session, v := g.registry.evaluate(sessionKey, toolName, params)
		switch v {
		case verdictAllowNoSession:
			d = Decision{Reason: ReasonNoSession}
		case verdictAllowApproved:
			d = Decision{Reason: ReasonApproved, Session: &session}
		default:
			d = Decision{Block: true, Reason: ReasonPending, Session: &session}
			logger.FromContext(ctx).Info("Tool call held for review",
				"tool", toolName,
				"channel", session.ChannelID,
			)
		}
	}

	g.record(ctx, sessionKey, toolName, params, d)
	return d
}

// CollectBlocked snapshots the session's blocked calls into the
// blocked-call-set store under a fresh reference id. It reports false when
// the session is gone or nothing was blocked. The accumulator is left as is
// until the next Mark or Clear.
func (g *Gate) CollectBlocked(sessionKey string) (CollectResult, bool) {
	sessionKey = strings.TrimSpace(sessionKey)
	session, tools, ok := g.registry.snapshot(sessionKey)
	if !ok {
		return CollectResult{}, false
	}

	set := BlockedCallSet{
		SessionKey: sessionKey,
		Session:    session,
		Tools:      tools,
	}
	refID, expiresAt := g.blocked.Put(set)

	return CollectResult{
		RefID:     refID,
		Tools:     cloneBlocked(tools),
		Session:   session,
		ExpiresAt: expiresAt,
	}, true
}

// BlockedCallSet consumes the snapshot stored under refID. Unknown,
// consumed and expired ids all report false.
func (g *Gate) BlockedCallSet(refID string) (BlockedCallSet, bool) {
	refID = strings.TrimSpace(refID)
	expiresAt, _ := g.blocked.ExpiresAt(refID)
	set, ok := g.blocked.Take(refID)
	if !ok {
		return BlockedCallSet{}, false
	}
	set.RefID = refID
	set.ExpiresAt = expiresAt
	return set, true
}

// PeekBlockedCallSet reads the snapshot without consuming it, for
// re-rendering a card.
func (g *Gate) PeekBlockedCallSet(refID string) (BlockedCallSet, bool) {
	refID = strings.TrimSpace(refID)
	set, ok := g.blocked.Peek(refID)
	if !ok {
		return BlockedCallSet{}, false
	}
	set.RefID = refID
	set.ExpiresAt, _ = g.blocked.ExpiresAt(refID)
	return set, true
}

// PruneBlocked drops expired snapshots and returns how many went.
func (g *Gate) PruneBlocked() int {
	return g.blocked.Prune()
}

// BlockedLen counts stored blocked-call sets, expired ones included until
// the next prune.
func (g *Gate) BlockedLen() int {
	return g.blocked.Len()
}

func (g *Gate) record(ctx context.Context, sessionKey, toolName string, params json.RawMessage, d Decision) {
	if g.audit == nil {
		return
	}
	entry := &audit.Entry{
		SessionKey: sessionKey,
		ToolName:   toolName,
		Decision:   audit.DecisionAllow,
		Reason:     d.Reason,
		Input:      cloneParams(params),
	}
	if d.Block {
		entry.Decision = audit.DecisionBlock
	}
	if d.Session != nil {
		entry.ChannelID = d.Session.ChannelID
	}
	if err := g.audit.Log(ctx, entry); err != nil {
		logger.FromContext(ctx).Warn("Failed to audit tool call", "tool", toolName, "error", err)
	}
}
