package adapter

import (
	"context"

	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/logger"
)

// LogNotifier writes review cards to the log. It keeps reviews visible
// when no chat platform is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) NotifyBlocked(ctx context.Context, card gateway.BlockedCard) error {
	logger.FromContext(ctx).Info("Tool calls held for review",
		"ref_id", card.RefID,
		"platform", card.Platform,
		"review_channel", card.ReviewChannelID,
		"session", card.Session.Key,
		"tools", toolNames(card),
		"expires_at", card.ExpiresAt,
	)
	return nil
}

func (n *LogNotifier) NotifyPendingAnswer(ctx context.Context, card gateway.PendingCard) error {
	logger.FromContext(ctx).Info("Answer held for review",
		"ref_id", card.Pending.RefID,
		"platform", card.Platform,
		"review_channel", card.ReviewChannelID,
		"session", card.Pending.SessionKey,
		"expires_at", card.Pending.ExpiresAt,
	)
	return nil
}
