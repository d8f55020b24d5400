package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/observe"
)

const (
	maxQuestionPreview = 500
	maxParamsPreview   = 200
)

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func toolLine(t observe.BlockedTool) string {
	params := strings.TrimSpace(string(t.Params))
	if params == "" || params == "null" {
		return t.Name
	}
	return t.Name + " " + truncate(params, maxParamsPreview)
}

// blockedText renders a blocked-call card as plain text.
func blockedText(card gateway.BlockedCard) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review requested for %s", channelRef(card.Session.ChannelID, card.Session.ChannelName))
	if who := senderRef(card.Session.SenderID, card.Session.SenderName); who != "" {
		fmt.Fprintf(&b, " from %s", who)
	}
	b.WriteString("\n")
	if q := truncate(card.Session.Question, maxQuestionPreview); q != "" {
		fmt.Fprintf(&b, "Question: %s\n", q)
	}
	b.WriteString("Held tool calls:\n")
	for _, t := range card.Tools {
		fmt.Fprintf(&b, "- %s\n", toolLine(t))
	}
	fmt.Fprintf(&b, "Ref %s, expires %s", card.RefID, card.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}

// pendingText renders a proposed-answer card as plain text.
func pendingText(card gateway.PendingCard) string {
	p := card.Pending
	var b strings.Builder
	fmt.Fprintf(&b, "Proposed answer for %s", channelRef(p.ChannelID, p.ChannelName))
	if who := senderRef(p.SenderID, p.SenderName); who != "" {
		fmt.Fprintf(&b, " to %s", who)
	}
	b.WriteString("\n")
	if q := truncate(p.Question, maxQuestionPreview); q != "" {
		fmt.Fprintf(&b, "Question: %s\n", q)
	}
	fmt.Fprintf(&b, "Answer:\n%s\n", p.Answer)
	fmt.Fprintf(&b, "Ref %s, expires %s", p.RefID, p.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}

func channelRef(id, name string) string {
	if name != "" {
		return "#" + name
	}
	return id
}

func senderRef(id, name string) string {
	if name != "" {
		return name
	}
	return id
}
