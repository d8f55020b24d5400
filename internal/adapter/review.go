package adapter

import (
	"context"
	"fmt"
	"strings"

	kerrors "github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/logger"
)

type reviewAction string

const (
	actionApproveTools  reviewAction = "kansa_approve_tools"
	actionRejectTools   reviewAction = "kansa_reject_tools"
	actionApproveAnswer reviewAction = "kansa_approve_answer"
	actionRejectAnswer  reviewAction = "kansa_reject_answer"
)

const expiredText = "This request has expired or was already handled."

// review applies a reviewer decision and returns the text to show the
// reviewer. display is how the platform renders the actor.
func review(ctx context.Context, gw Gateway, action reviewAction, refID, actor, display string) string {
	if gw == nil {
		return "Gateway is not ready, try again shortly."
	}

	var (
		text string
		err  error
	)
	switch action {
	case actionApproveTools:
		r, e := gw.Approve(ctx, refID, actor)
		err = e
		text = fmt.Sprintf("Approved by %s: %s. Re-running the request.", display, strings.Join(r.ApprovedTools, ", "))
	case actionRejectTools:
		set, e := gw.Reject(ctx, refID, actor)
		err = e
		text = fmt.Sprintf("Rejected by %s: %s.", display, strings.Join(set.ToolNames(), ", "))
	case actionApproveAnswer:
		_, err = gw.ApproveAnswer(ctx, refID, actor)
		text = fmt.Sprintf("Answer approved by %s and posted.", display)
	case actionRejectAnswer:
		_, err = gw.RejectAnswer(ctx, refID, actor)
		text = fmt.Sprintf("Answer rejected by %s.", display)
	default:
		return "Unknown action."
	}

	if err != nil {
		if kerrors.IsCategory(err, kerrors.ErrNotFound) {
			return expiredText
		}
		logger.FromContext(ctx).Error("Review action failed", "action", action, "ref_id", refID, "error", err)
		return fmt.Sprintf("Review action failed: %s", kerrors.Category(err))
	}
	return text
}

func isDuplicate(ctx context.Context, key string, err error) bool {
	if kerrors.IsCategory(err, kerrors.ErrDuplicateEvent) {
		logger.FromContext(ctx).Debug("Duplicate delivery dropped", "key", key)
		return true
	}
	logger.FromContext(ctx).Warn("Dedup check failed", "key", key, "error", err)
	return false
}
