package adapter

import (
	"context"

	"github.com/harunnryd/kansa/internal/approval"
	"github.com/harunnryd/kansa/internal/command"
	"github.com/harunnryd/kansa/internal/concurrency"
	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/idempotency"
	"github.com/harunnryd/kansa/internal/observe"
)

// Gateway is what platform adapters drive: inbound messages and reviewer
// decisions.
type Gateway interface {
	HandleInbound(ctx context.Context, msg gateway.InboundMessage) (gateway.Outcome, error)
	Approve(ctx context.Context, refID, actor string) (gateway.ApproveResult, error)
	Reject(ctx context.Context, refID, actor string) (observe.BlockedCallSet, error)
	ApproveAnswer(ctx context.Context, refID, actor string) (approval.Pending, error)
	RejectAnswer(ctx context.Context, refID, actor string) (approval.Pending, error)
}

// InputAdapter is a platform connection with a lifecycle.
type InputAdapter interface {
	// Name returns the adapter name (e.g. "slack", "telegram").
	Name() string

	// Start begins receiving events. Must respect context cancellation.
	Start(ctx context.Context) error

	Stop(ctx context.Context) error

	// Health checks if the adapter can reach its platform.
	Health(ctx context.Context) error
}

// Deps are shared by all adapters. Both fields are optional.
type Deps struct {
	Commands *command.Handler
	Dedup    *idempotency.Store
}

// asyncRunner runs webhook work after the HTTP acknowledgement.
type asyncRunner func(ctx context.Context, name string, fn func(ctx context.Context))

func runAsync(ctx context.Context, name string, fn func(ctx context.Context)) {
	concurrency.SafeGo(ctx, name, fn, nil)
}

// seen reports whether key was already processed. Dedup failures other
// than duplicates let the event through.
func seen(ctx context.Context, dedup *idempotency.Store, key string) bool {
	if dedup == nil || key == "" {
		return false
	}
	if err := dedup.CheckAndMark(key); err != nil {
		return isDuplicate(ctx, key, err)
	}
	return false
}
