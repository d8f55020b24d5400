// Package threading decides which earlier message a reply attaches to.
//
// Everything here except the reply-root cache is a pure function of the
// channel's threading config and the inbound message metadata.
package threading

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

type ReplyToMode string

const (
	ReplyToOff      ReplyToMode = "off"
	ReplyToIncoming ReplyToMode = "incoming"
	ReplyToAll      ReplyToMode = "all"
)

type SessionScope string

const (
	ScopeParent SessionScope = "parent"
	ScopeThread SessionScope = "thread"
)

// RawConfig is the threading section as written by the operator. Nil means
// the key was not set.
type RawConfig struct {
	Enabled       *bool
	ReplyToMode   *string
	SessionScope  *string
	InheritParent *bool
}

// Config is the effective threading policy for a channel.
type Config struct {
	Enabled       bool
	ReplyToMode   ReplyToMode
	SessionScope  SessionScope
	InheritParent bool
}

// Context describes where an inbound message sits relative to a thread.
type Context struct {
	MessageID       string
	ParentMessageID string
	ThreadID        string
	IsThreadReply   bool
}

// Resolver normalizes raw configs and remembers which ignored-key warnings
// it has already logged.
type Resolver struct {
	logger *slog.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{
		logger: logger,
		warned: make(map[string]struct{}),
	}
}

var defaultResolver = NewResolver(nil)

// ResolveConfig normalizes raw with the process-wide resolver.
func ResolveConfig(raw RawConfig) Config {
	return defaultResolver.ResolveConfig(raw)
}

func (r *Resolver) ResolveConfig(raw RawConfig) Config {
	cfg := Config{
		Enabled:       raw.Enabled != nil && *raw.Enabled,
		ReplyToMode:   normalizeReplyToMode(raw.ReplyToMode),
		SessionScope:  normalizeSessionScope(raw.SessionScope),
		InheritParent: raw.InheritParent == nil || *raw.InheritParent,
	}

	if !cfg.Enabled {
		if ignored := ignoredKeys(raw); len(ignored) > 0 {
			r.warnIgnored(ignored)
		}
	}
	return cfg
}

func (r *Resolver) warnIgnored(keys []string) {
	combo := strings.Join(keys, ",")

	r.mu.Lock()
	_, seen := r.warned[combo]
	if !seen {
		r.warned[combo] = struct{}{}
	}
	r.mu.Unlock()

	if seen {
		return
	}
	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("Threading disabled; configured keys have no effect",
		"ignored_keys", combo,
		"hint", "set threading.enabled=true to apply them",
	)
}

func ignoredKeys(raw RawConfig) []string {
	var keys []string
	if raw.ReplyToMode != nil {
		keys = append(keys, "reply_to_mode")
	}
	if raw.SessionScope != nil {
		keys = append(keys, "session_scope")
	}
	if raw.InheritParent != nil {
		keys = append(keys, "inherit_parent")
	}
	sort.Strings(keys)
	return keys
}

func normalizeReplyToMode(v *string) ReplyToMode {
	if v == nil {
		return ReplyToIncoming
	}
	switch ReplyToMode(strings.ToLower(strings.TrimSpace(*v))) {
	case ReplyToOff:
		return ReplyToOff
	case ReplyToAll:
		return ReplyToAll
	default:
		return ReplyToIncoming
	}
}

func normalizeSessionScope(v *string) SessionScope {
	if v != nil && SessionScope(strings.ToLower(strings.TrimSpace(*v))) == ScopeThread {
		return ScopeThread
	}
	return ScopeParent
}

// ParseInboundContext treats a message as a thread reply iff it names a
// non-blank reply-main message.
func ParseInboundContext(messageID, replyMainMessageID string) Context {
	ctx := Context{MessageID: strings.TrimSpace(messageID)}
	parent := strings.TrimSpace(replyMainMessageID)
	if parent == "" {
		return ctx
	}
	ctx.ParentMessageID = parent
	ctx.ThreadID = parent
	ctx.IsThreadReply = true
	return ctx
}

// ResolveReplyMainMessageID returns the anchor a reply to tc should use, or
// "" when the reply should not be threaded.
func ResolveReplyMainMessageID(cfg Config, tc Context, explicitOverride string) string {
	if override := strings.TrimSpace(explicitOverride); override != "" {
		return override
	}
	if !cfg.Enabled {
		return ""
	}

	switch cfg.ReplyToMode {
	case ReplyToOff:
		return ""
	case ReplyToAll:
		if tc.IsThreadReply {
			return tc.ParentMessageID
		}
		return tc.MessageID
	default:
		if tc.IsThreadReply {
			return tc.ParentMessageID
		}
		return ""
	}
}

// OutboundInput carries what the caller knows when sending a reply.
type OutboundInput struct {
	Thread                     Context
	ResolvedReplyMainMessageID string
	PayloadReplyToID           string
	PayloadReplyToCurrent      bool
}

// ResolveOutboundReplyMessageID picks the message id an outbound reply is
// attached to. Replies inside an existing thread stay pinned to its anchor.
func ResolveOutboundReplyMessageID(in OutboundInput) string {
	resolved := strings.TrimSpace(in.ResolvedReplyMainMessageID)
	if in.Thread.IsThreadReply && resolved != "" {
		return resolved
	}
	if explicit := strings.TrimSpace(in.PayloadReplyToID); explicit != "" {
		return explicit
	}
	if in.PayloadReplyToCurrent {
		if in.Thread.MessageID != "" {
			return in.Thread.MessageID
		}
		return resolved
	}
	return resolved
}

// SessionKey derives the per-conversation key. With thread scope each
// thread gets its own session under the channel's base key.
func SessionKey(base string, cfg Config, tc Context) string {
	if cfg.Enabled && cfg.SessionScope == ScopeThread && tc.IsThreadReply && tc.ThreadID != "" {
		return base + ":thread:" + tc.ThreadID
	}
	return base
}

// ParentSessionKey returns the key a thread session inherits history from,
// or "" when there is nothing to inherit.
func ParentSessionKey(base string, cfg Config, tc Context) string {
	if SessionKey(base, cfg, tc) == base || !cfg.InheritParent {
		return ""
	}
	return base
}
