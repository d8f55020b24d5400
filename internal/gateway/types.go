package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/harunnryd/kansa/internal/approval"
	"github.com/harunnryd/kansa/internal/observe"
	"github.com/harunnryd/kansa/internal/policy"
)

// InboundMessage is one chat message as delivered by a platform adapter.
type InboundMessage struct {
	Platform           string
	ChannelID          string
	ChannelName        string
	SenderID           string
	SenderName         string
	MessageID          string
	ReplyMainMessageID string
	ReplyToOverride    string
	Text               string
}

const defaultPlatform = "chat"

// BaseSessionKey is the channel-level session key, before thread scoping.
func (m InboundMessage) BaseSessionKey() string {
	platform := strings.ToLower(strings.TrimSpace(m.Platform))
	if platform == "" {
		platform = defaultPlatform
	}
	return platform + ":" + strings.TrimSpace(m.ChannelID)
}

// PlatformOf returns the platform prefix of a session key.
func PlatformOf(sessionKey string) string {
	platform, _, ok := strings.Cut(sessionKey, ":")
	if !ok || platform == "" {
		return defaultPlatform
	}
	return platform
}

// ToolGuard is handed to the dispatcher; the tool loop must call it before
// every tool call and must not retry a blocked call.
type ToolGuard func(ctx context.Context, toolName string, params json.RawMessage) observe.Decision

type DispatchRequest struct {
	SessionKey       string
	ParentSessionKey string
	ChannelID        string
	SenderID         string
	SenderName       string
	Text             string
	ThreadAnchor     string
	Mode             policy.Mode
	Observed         bool
	Redispatch       bool
	ApprovedTools    []string
	Guard            ToolGuard
}

type DispatchResult struct {
	Text           string
	ReplyToID      string
	ReplyToCurrent bool
}

// Dispatcher runs the agent for one request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}

type OutboundMessage struct {
	Platform     string
	ChannelID    string
	Text         string
	ThreadAnchor string
}

// Poster delivers replies back to the chat platform.
type Poster interface {
	Post(ctx context.Context, msg OutboundMessage) error
}

// BlockedCard is the consolidated review request for one dispatch.
type BlockedCard struct {
	Platform        string
	RefID           string
	ReviewChannelID string
	Session         observe.Session
	Tools           []observe.BlockedTool
	ExpiresAt       time.Time
}

// PendingCard asks a reviewer to approve a proposed answer.
type PendingCard struct {
	Platform        string
	ReviewChannelID string
	Pending         approval.Pending
}

// Notifier renders review cards on a review surface.
type Notifier interface {
	Name() string
	NotifyBlocked(ctx context.Context, card BlockedCard) error
	NotifyPendingAnswer(ctx context.Context, card PendingCard) error
}

// Outcome summarizes what HandleInbound did with a message.
type Outcome struct {
	SessionKey   string
	Mode         policy.Mode
	Observed     bool
	Skipped      bool
	Posted       bool
	ReplyAnchor  string
	BlockedRefID string
	PendingRefID string
}

// ApproveResult reports a reviewer approval of blocked tool calls.
type ApproveResult struct {
	RefID         string
	SessionKey    string
	ApprovedTools []string
	Outcome       Outcome
}
