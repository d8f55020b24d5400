// Package gateway runs inbound chat messages through threading, observe
// policy and the tool gate, and turns reviewer decisions into re-dispatches.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/kansa/internal/approval"
	"github.com/harunnryd/kansa/internal/concurrency"
	kerrors "github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/logger"
	"github.com/harunnryd/kansa/internal/observe"
	"github.com/harunnryd/kansa/internal/policy"
	"github.com/harunnryd/kansa/internal/redact"
	"github.com/harunnryd/kansa/internal/threading"
)

// Deps are the collaborators of a Gateway. Poster, Notifiers and Redactor
// are optional.
type Deps struct {
	Threading threading.Config
	// ChannelThreading, when set, replaces Threading with a config
	// resolved per channel on every message.
	ChannelThreading *threading.ChannelConfigs

	Policy     *policy.Store
	Gate       *observe.Gate
	Pending    *approval.Store
	ReplyRoots *threading.ReplyRootCache
	Dispatcher Dispatcher
	Poster     Poster
	Notifiers  []Notifier
	Redactor   redact.Redactor
}

type Gateway struct {
	threading  threading.Config
	channels   *threading.ChannelConfigs
	policy     *policy.Store
	gate       *observe.Gate
	registry   *observe.Registry
	pending    *approval.Store
	roots      *threading.ReplyRootCache
	locks      *concurrency.SessionLocks
	dispatcher Dispatcher
	poster     Poster
	notifiers  []Notifier
	redactor   redact.Redactor
}

func New(deps Deps) (*Gateway, error) {
	if deps.Policy == nil {
		return nil, fmt.Errorf("gateway: policy store is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("gateway: tool gate is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("gateway: dispatcher is required")
	}
	if deps.Pending == nil {
		deps.Pending = approval.NewStore(approval.DefaultTTL)
	}
	if deps.ReplyRoots == nil {
		deps.ReplyRoots = threading.NewReplyRootCache(0, 0, nil)
	}
	return &Gateway{
		threading:  deps.Threading,
		channels:   deps.ChannelThreading,
		policy:     deps.Policy,
		gate:       deps.Gate,
		registry:   deps.Gate.Registry(),
		pending:    deps.Pending,
		roots:      deps.ReplyRoots,
		locks:      concurrency.NewSessionLocks(),
		dispatcher: deps.Dispatcher,
		poster:     deps.Poster,
		notifiers:  deps.Notifiers,
		redactor:   deps.Redactor,
	}, nil
}

// threadingFor returns the threading config of channelID.
func (g *Gateway) threadingFor(channelID string) threading.Config {
	if g.channels != nil {
		return g.channels.For(channelID)
	}
	return g.threading
}

func (g *Gateway) Policy() *policy.Store {
	return g.policy
}

func (g *Gateway) Gate() *observe.Gate {
	return g.gate
}

// turn is one dispatch, either for a fresh message or for a re-dispatch
// after approval.
type turn struct {
	sessionKey string
	parentKey  string
	session    observe.Session
	thread     threading.Context
	mode       policy.Mode
	observed   bool
	redispatch bool
	approved   []string
}

// HandleInbound resolves the message's thread and session, applies the
// channel's observe mode and dispatches it.
func (g *Gateway) HandleInbound(ctx context.Context, msg InboundMessage) (Outcome, error) {
	if strings.TrimSpace(msg.ChannelID) == "" {
		return Outcome{}, kerrors.InvalidInput("inbound message has no channel id")
	}

	tc := threading.ParseInboundContext(msg.MessageID, msg.ReplyMainMessageID)
	base := msg.BaseSessionKey()
	threadCfg := g.threadingFor(msg.ChannelID)
	sessionKey := threading.SessionKey(base, threadCfg, tc)
	ctx = logger.WithSessionKey(ctx, sessionKey)

	g.roots.Remember(sessionKey, tc, msg.ReplyToOverride)
	anchor := threading.ResolveReplyMainMessageID(threadCfg, tc, msg.ReplyToOverride)

	entry, err := g.policy.Channel(ctx, msg.ChannelID)
	if err != nil {
		return Outcome{}, err
	}
	observed := entry.Found && entry.Entry.Enabled
	mode := policy.ModeActive
	if observed {
		mode = entry.Entry.Mode
	}

	if observed && mode == policy.ModeTraining {
		logger.FromContext(ctx).Debug("Training mode, dispatch skipped", "channel", msg.ChannelID)
		return Outcome{SessionKey: sessionKey, Mode: mode, Observed: true, Skipped: true}, nil
	}

	session := observe.Session{
		ChannelID:    strings.TrimSpace(msg.ChannelID),
		ChannelName:  msg.ChannelName,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		Question:     msg.Text,
		ThreadAnchor: anchor,
		Silent:       mode == policy.ModeSilent,

		MessageID:        tc.MessageID,
		ParentMessageID:  tc.ParentMessageID,
		ThreadReply:      tc.IsThreadReply,
		ParentSessionKey: threading.ParentSessionKey(base, threadCfg, tc),
	}
	if observed {
		review, err := g.policy.ReviewChannel(ctx)
		if err != nil {
			return Outcome{}, err
		}
		session.ReviewChannelID = review.ID
	}

	unlock := g.locks.Lock(sessionKey)
	defer unlock()

	return g.dispatchLocked(ctx, turn{
		sessionKey: sessionKey,
		parentKey:  session.ParentSessionKey,
		session:    session,
		thread:     tc,
		mode:       mode,
		observed:   observed,
	})
}

// dispatchLocked runs one turn. The caller holds the session lock.
func (g *Gateway) dispatchLocked(ctx context.Context, t turn) (Outcome, error) {
	out := Outcome{SessionKey: t.sessionKey, Mode: t.mode, Observed: t.observed}
	log := logger.FromContext(ctx)

	if t.observed {
		g.registry.Mark(t.sessionKey, t.session)
		defer g.registry.Clear(t.sessionKey)
	}

	req := DispatchRequest{
		SessionKey:       t.sessionKey,
		ParentSessionKey: t.parentKey,
		ChannelID:        t.session.ChannelID,
		SenderID:         t.session.SenderID,
		SenderName:       t.session.SenderName,
		Text:             t.session.Question,
		ThreadAnchor:     t.session.ThreadAnchor,
		Mode:             t.mode,
		Observed:         t.observed,
		Redispatch:       t.redispatch,
		ApprovedTools:    t.approved,
		Guard: func(ctx context.Context, toolName string, params json.RawMessage) observe.Decision {
			return g.gate.ShouldBlockTool(ctx, t.sessionKey, toolName, params)
		},
	}
	result, dispatchErr := g.dispatcher.Dispatch(ctx, req)

	if t.observed {
		if res, ok := g.gate.CollectBlocked(t.sessionKey); ok {
			out.BlockedRefID = res.RefID
			log.Info("Blocked tool calls collected", "ref_id", res.RefID, "tools", len(res.Tools))
			g.notifyBlocked(ctx, BlockedCard{
				Platform:        PlatformOf(t.sessionKey),
				RefID:           res.RefID,
				ReviewChannelID: reviewTarget(res.Session),
				Session:         res.Session,
				Tools:           res.Tools,
				ExpiresAt:       res.ExpiresAt,
			})
		}
	}

	if dispatchErr != nil {
		return out, kerrors.Wrap(dispatchErr, "dispatch")
	}
	if strings.TrimSpace(result.Text) == "" {
		return out, nil
	}

	out.ReplyAnchor = threading.ResolveOutboundReplyMessageID(threading.OutboundInput{
		Thread:                     t.thread,
		ResolvedReplyMainMessageID: t.session.ThreadAnchor,
		PayloadReplyToID:           result.ReplyToID,
		PayloadReplyToCurrent:      result.ReplyToCurrent,
	})

	if t.observed && t.mode == policy.ModeSilent {
		refID, err := g.propose(ctx, approval.Pending{
			SessionKey:      t.sessionKey,
			ChannelID:       t.session.ChannelID,
			ChannelName:     t.session.ChannelName,
			ReviewChannelID: t.session.ReviewChannelID,
			SenderID:        t.session.SenderID,
			SenderName:      t.session.SenderName,
			Question:        t.session.Question,
			Answer:          result.Text,
			ThreadAnchor:    out.ReplyAnchor,
		})
		if err != nil {
			return out, err
		}
		out.PendingRefID = refID
		return out, nil
	}

	if err := g.post(ctx, OutboundMessage{
		Platform:     PlatformOf(t.sessionKey),
		ChannelID:    t.session.ChannelID,
		Text:         result.Text,
		ThreadAnchor: out.ReplyAnchor,
	}); err != nil {
		return out, err
	}
	out.Posted = g.poster != nil
	return out, nil
}

// BeforeToolCall is the interception hook for tool loops that run outside
// the dispatcher, keyed by session.
func (g *Gateway) BeforeToolCall(ctx context.Context, sessionKey, toolName string, params json.RawMessage) observe.Decision {
	return g.gate.ShouldBlockTool(logger.WithSessionKey(ctx, sessionKey), sessionKey, toolName, params)
}

// CollectBlocked snapshots the session's blocked calls for one card.
func (g *Gateway) CollectBlocked(sessionKey string) (observe.CollectResult, bool) {
	return g.gate.CollectBlocked(sessionKey)
}

// MarkToolsApproved approves toolNames for the session's next dispatch.
func (g *Gateway) MarkToolsApproved(sessionKey string, toolNames []string) {
	g.registry.MarkToolsApproved(sessionKey, toolNames)
}

// Approve consumes the blocked-call set behind refID, approves its tool
// names and re-dispatches the original question. The session is cleared
// when the re-dispatch finishes.
func (g *Gateway) Approve(ctx context.Context, refID, actor string) (ApproveResult, error) {
	set, ok := g.gate.BlockedCallSet(refID)
	if !ok {
		return ApproveResult{}, kerrors.NotFound("blocked call set " + refID)
	}
	ctx = logger.WithSessionKey(ctx, set.SessionKey)

	unlock := g.locks.Lock(set.SessionKey)
	defer unlock()

	tools := set.ToolNames()
	g.registry.MarkToolsApproved(set.SessionKey, tools)
	logger.FromContext(ctx).Info("Blocked tool calls approved", "ref_id", set.RefID, "tools", tools, "actor", actor)

	mode := policy.ModeActive
	if set.Session.Silent {
		mode = policy.ModeSilent
	}
	thread := sessionThread(set.Session)
	if set.Session.ThreadAnchor == "" {
		if root := g.roots.Get(set.SessionKey); root != "" {
			set.Session.ThreadAnchor = root
			if thread.MessageID == "" {
				thread.MessageID = root
			}
		}
	}

	out, err := g.dispatchLocked(ctx, turn{
		sessionKey: set.SessionKey,
		parentKey:  set.Session.ParentSessionKey,
		session:    set.Session,
		thread:     thread,
		mode:       mode,
		observed:   true,
		redispatch: true,
		approved:   tools,
	})
	return ApproveResult{
		RefID:         set.RefID,
		SessionKey:    set.SessionKey,
		ApprovedTools: tools,
		Outcome:       out,
	}, err
}

// PeekBlocked reads the blocked-call set behind refID without consuming it.
func (g *Gateway) PeekBlocked(refID string) (observe.BlockedCallSet, bool) {
	return g.gate.PeekBlockedCallSet(refID)
}

// Reject consumes the blocked-call set without running anything.
func (g *Gateway) Reject(ctx context.Context, refID, actor string) (observe.BlockedCallSet, error) {
	set, ok := g.gate.BlockedCallSet(refID)
	if !ok {
		return observe.BlockedCallSet{}, kerrors.NotFound("blocked call set " + refID)
	}
	ctx = logger.WithSessionKey(ctx, set.SessionKey)
	logger.FromContext(ctx).Info("Blocked tool calls rejected",
		"ref_id", set.RefID,
		"tools", set.ToolNames(),
		"actor", actor,
	)
	return set, nil
}

// Propose stores an answer for review and notifies the review surface.
func (g *Gateway) Propose(ctx context.Context, p approval.Pending) (string, error) {
	return g.propose(ctx, p)
}

func (g *Gateway) propose(ctx context.Context, p approval.Pending) (string, error) {
	if strings.TrimSpace(p.Answer) == "" {
		return "", kerrors.InvalidInput("proposed answer is empty")
	}
	if p.ReviewChannelID == "" {
		review, err := g.policy.ReviewChannel(ctx)
		if err != nil {
			return "", err
		}
		p.ReviewChannelID = review.ID
	}

	refID := g.pending.Store(p)
	stored, _ := g.pending.Peek(refID)
	logger.FromContext(ctx).Info("Answer proposed for review", "ref_id", refID, "channel", p.ChannelID)

	target := p.ReviewChannelID
	if target == "" {
		target = p.ChannelID
	}
	for _, n := range g.notifiers {
		if err := n.NotifyPendingAnswer(ctx, PendingCard{
			Platform:        PlatformOf(p.SessionKey),
			ReviewChannelID: target,
			Pending:         stored,
		}); err != nil {
			logger.FromContext(ctx).Warn("Failed to post pending answer card", "notifier", n.Name(), "ref_id", refID, "error", err)
		}
	}
	return refID, nil
}

func (g *Gateway) Consume(refID string) (approval.Pending, bool) {
	return g.pending.Consume(refID)
}

func (g *Gateway) Peek(refID string) (approval.Pending, bool) {
	return g.pending.Peek(refID)
}

// ApproveAnswer posts the proposed answer behind refID to its channel.
func (g *Gateway) ApproveAnswer(ctx context.Context, refID, actor string) (approval.Pending, error) {
	p, ok := g.pending.Consume(refID)
	if !ok {
		return approval.Pending{}, kerrors.NotFound("pending answer " + refID)
	}
	anchor := p.ThreadAnchor
	if anchor == "" {
		anchor = g.roots.Get(p.SessionKey)
	}
	if err := g.post(ctx, OutboundMessage{
		Platform:     PlatformOf(p.SessionKey),
		ChannelID:    p.ChannelID,
		Text:         p.Answer,
		ThreadAnchor: anchor,
	}); err != nil {
		return p, err
	}
	logger.FromContext(ctx).Info("Pending answer approved", "ref_id", refID, "channel", p.ChannelID, "actor", actor)
	return p, nil
}

// RejectAnswer drops the proposed answer behind refID.
func (g *Gateway) RejectAnswer(ctx context.Context, refID, actor string) (approval.Pending, error) {
	p, ok := g.pending.Consume(refID)
	if !ok {
		return approval.Pending{}, kerrors.NotFound("pending answer " + refID)
	}
	logger.FromContext(ctx).Info("Pending answer rejected", "ref_id", refID, "channel", p.ChannelID, "actor", actor)
	return p, nil
}

// MemoryScopes lists the memory prefixes a search from channelID may read.
func (g *Gateway) MemoryScopes(ctx context.Context, channelID string) ([]policy.MemoryScope, error) {
	doc, err := g.policy.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return policy.MemoryScopes(doc, channelID), nil
}

// ShareMemory prepares text from sourceChannelID's memory for a reader in
// readerChannelID, redacting it under the source channel's policy.
func (g *Gateway) ShareMemory(ctx context.Context, readerChannelID, sourceChannelID, text string) (string, error) {
	scopes, err := g.MemoryScopes(ctx, readerChannelID)
	if err != nil {
		return "", err
	}
	sourceChannelID = strings.TrimSpace(sourceChannelID)
	for _, scope := range scopes {
		if scope.ChannelID != sourceChannelID {
			continue
		}
		r, err := redact.ForPolicy(scope.Redaction, g.redactor)
		if err != nil {
			return "", err
		}
		return r.Redact(ctx, text)
	}
	return "", kerrors.WrapWithCategory(
		fmt.Errorf("channel %s is not shared with %s", sourceChannelID, readerChannelID),
		"share memory",
		kerrors.ErrPermissionDenied,
	)
}

// PruneStats counts what one Prune pass removed.
type PruneStats struct {
	Blocked    int
	Pending    int
	ReplyRoots int
}

// Prune sweeps expired entries from the in-memory stores. Expiry is also
// enforced on every read, so this only bounds memory.
func (g *Gateway) Prune() PruneStats {
	return PruneStats{
		Blocked:    g.gate.PruneBlocked(),
		Pending:    g.pending.Prune(),
		ReplyRoots: g.roots.Prune(),
	}
}

func (g *Gateway) post(ctx context.Context, msg OutboundMessage) error {
	if g.poster == nil {
		return nil
	}
	if err := g.poster.Post(ctx, msg); err != nil {
		return kerrors.WrapWithCategory(err, "post reply", kerrors.ErrTransient)
	}
	return nil
}

func (g *Gateway) notifyBlocked(ctx context.Context, card BlockedCard) {
	for _, n := range g.notifiers {
		if err := n.NotifyBlocked(ctx, card); err != nil {
			logger.FromContext(ctx).Warn("Failed to post review card", "notifier", n.Name(), "ref_id", card.RefID, "error", err)
		}
	}
}

// sessionThread rebuilds the inbound thread context a session was marked
// with.
func sessionThread(s observe.Session) threading.Context {
	tc := threading.Context{MessageID: s.MessageID}
	if s.ThreadReply && s.ParentMessageID != "" {
		tc.ParentMessageID = s.ParentMessageID
		tc.ThreadID = s.ParentMessageID
		tc.IsThreadReply = true
	}
	return tc
}

func reviewTarget(s observe.Session) string {
	if s.ReviewChannelID != "" {
		return s.ReviewChannelID
	}
	return s.ChannelID
}
