package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/kansa/internal/gateway"

	"github.com/slack-go/slack"
)

// Slack rejects section text over 3000 characters.
const maxSectionText = 2900

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, false, false)
}

func quote(text string) string {
	text = mrkdwnEscaper.Replace(truncate(text, maxQuestionPreview))
	if text == "" {
		return ""
	}
	return "> " + strings.ReplaceAll(text, "\n", "\n> ")
}

func slackExpiry(refID string, at time.Time) string {
	return fmt.Sprintf("Ref `%s`, expires <!date^%d^{date_short_pretty} {time}|%s>",
		refID, at.Unix(), at.UTC().Format(time.RFC3339))
}

func reviewButtons(blockID, refID string, approve, reject reviewAction) *slack.ActionBlock {
	ok := slack.NewButtonBlockElement(string(approve), refID, plain("Approve")).WithStyle(slack.StylePrimary)
	no := slack.NewButtonBlockElement(string(reject), refID, plain("Reject")).WithStyle(slack.StyleDanger)
	return slack.NewActionBlock(blockID, ok, no)
}

func blockedCardBlocks(card gateway.BlockedCard) []slack.Block {
	header := fmt.Sprintf("*Review requested* in <#%s>", card.Session.ChannelID)
	if card.Session.SenderID != "" {
		header += fmt.Sprintf(" from <@%s>", card.Session.SenderID)
	}
	if q := quote(card.Session.Question); q != "" {
		header += "\n" + q
	}

	lines := make([]string, 0, len(card.Tools))
	for _, t := range card.Tools {
		params := strings.TrimSpace(string(t.Params))
		if params == "" || params == "null" {
			lines = append(lines, fmt.Sprintf("• `%s`", t.Name))
			continue
		}
		lines = append(lines, fmt.Sprintf("• `%s` `%s`", t.Name, mrkdwnEscaper.Replace(truncate(params, maxParamsPreview))))
	}

	return []slack.Block{
		slack.NewSectionBlock(mrkdwn(header), nil, nil),
		slack.NewSectionBlock(mrkdwn("*Held tool calls*\n"+strings.Join(lines, "\n")), nil, nil),
		slack.NewContextBlock("", mrkdwn(slackExpiry(card.RefID, card.ExpiresAt))),
		reviewButtons("kansa_tools_"+card.RefID, card.RefID, actionApproveTools, actionRejectTools),
	}
}

func blockedFallback(card gateway.BlockedCard) string {
	return fmt.Sprintf("Review requested: %s", strings.Join(toolNames(card), ", "))
}

func toolNames(card gateway.BlockedCard) []string {
	names := make([]string, len(card.Tools))
	for i, t := range card.Tools {
		names[i] = t.Name
	}
	return names
}

func pendingCardBlocks(card gateway.PendingCard) []slack.Block {
	p := card.Pending
	header := fmt.Sprintf("*Proposed answer* for <#%s>", p.ChannelID)
	if p.SenderID != "" {
		header += fmt.Sprintf(" to <@%s>", p.SenderID)
	}
	if q := quote(p.Question); q != "" {
		header += "\n" + q
	}

	return []slack.Block{
		slack.NewSectionBlock(mrkdwn(header), nil, nil),
		slack.NewSectionBlock(mrkdwn(mrkdwnEscaper.Replace(truncate(p.Answer, maxSectionText))), nil, nil),
		slack.NewContextBlock("", mrkdwn(slackExpiry(p.RefID, p.ExpiresAt))),
		reviewButtons("kansa_answer_"+p.RefID, p.RefID, actionApproveAnswer, actionRejectAnswer),
	}
}

func pendingFallback(card gateway.PendingCard) string {
	return fmt.Sprintf("Proposed answer awaiting review (%s)", card.Pending.RefID)
}
