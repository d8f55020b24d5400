// Package command implements the /observe family of slash commands.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	kerrors "github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/logger"
	"github.com/harunnryd/kansa/internal/policy"

	"github.com/google/shlex"
)

// Request is one slash command invocation. Text holds the command and its
// arguments, e.g. "/observe-mode silent".
type Request struct {
	ChannelID   string
	ChannelName string
	UserID      string
	Text        string
}

type Response struct {
	Text string
}

type Handler struct {
	policy *policy.Store
}

func NewHandler(p *policy.Store) *Handler {
	return &Handler{policy: p}
}

// CanHandle reports whether input is a command this handler knows.
func (h *Handler) CanHandle(input string) bool {
	name, _ := split(input)
	_, ok := commands[name]
	return ok
}

var commands = map[string]string{
	"/observe":           "/observe [on|off|toggle]",
	"/observe-mode":      "/observe-mode <active|silent|training>",
	"/observe-review":    "/observe-review [here|off]",
	"/observe-training":  "/observe-training <on|off>",
	"/observe-redaction": "/observe-redaction <off|llm>",
	"/observe-status":    "/observe-status",
	"/observe-help":      "/observe-help",
}

func split(input string) (string, []string) {
	parts, err := shlex.Split(strings.TrimSpace(input))
	if err != nil {
		parts = strings.Fields(input)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToLower(parts[0]), parts[1:]
}

// Execute runs the command. Usage mistakes come back as a response text;
// only store failures are returned as errors.
func (h *Handler) Execute(ctx context.Context, req Request) (Response, error) {
	name, args := split(req.Text)
	if strings.TrimSpace(req.ChannelID) == "" {
		return Response{}, kerrors.InvalidInput("command has no channel")
	}

	logger.FromContext(ctx).Info("Executing slash command", "cmd", name, "channel", req.ChannelID, "user", req.UserID)

	var (
		msg string
		err error
	)
	switch name {
	case "/observe":
		msg, err = h.handleObserve(ctx, req, args)
	case "/observe-mode":
		msg, err = h.handleMode(ctx, req, args)
	case "/observe-review":
		msg, err = h.handleReview(ctx, req, args)
	case "/observe-training":
		msg, err = h.handleTraining(ctx, req, args)
	case "/observe-redaction":
		msg, err = h.handleRedaction(ctx, req, args)
	case "/observe-status":
		msg, err = h.handleStatus(ctx, req)
	case "/observe-help":
		msg = helpText()
	default:
		msg = fmt.Sprintf("Unknown command: %s", name)
	}

	if err != nil {
		if kerrors.IsCategory(err, kerrors.ErrInvalidInput) {
			return Response{Text: err.Error()}, nil
		}
		logger.FromContext(ctx).Error("Command execution failed", "cmd", name, "error", err)
		return Response{}, err
	}
	return Response{Text: msg}, nil
}

func (h *Handler) handleObserve(ctx context.Context, req Request, args []string) (string, error) {
	action := "toggle"
	if len(args) > 0 {
		action = strings.ToLower(args[0])
	}

	switch action {
	case "on", "enable":
		if _, err := h.policy.EnableChannel(ctx, req.ChannelID, req.ChannelName, req.UserID); err != nil {
			return "", err
		}
		return "Observe mode is on. Mutating actions here now need reviewer approval.", nil
	case "off", "disable":
		removed, err := h.policy.DisableChannel(ctx, req.ChannelID, req.UserID)
		if err != nil {
			return "", err
		}
		if !removed {
			return "Observe mode was not on for this channel.", nil
		}
		return "Observe mode is off.", nil
	case "toggle":
		res, err := h.policy.ToggleChannel(ctx, req.ChannelID, req.ChannelName, req.UserID)
		if err != nil {
			return "", err
		}
		if res.Enabled {
			return "Observe mode is on. Mutating actions here now need reviewer approval.", nil
		}
		return "Observe mode is off.", nil
	default:
		return "Usage: " + commands["/observe"], nil
	}
}

func (h *Handler) handleMode(ctx context.Context, req Request, args []string) (string, error) {
	if len(args) == 0 {
		res, err := h.policy.ChannelMode(ctx, req.ChannelID)
		if err != nil {
			return "", err
		}
		if !res.Found {
			return "Observe mode is off for this channel.", nil
		}
		return fmt.Sprintf("Mode: %s", res.Mode), nil
	}

	mode, ok := policy.ParseMode(args[0])
	if !ok {
		return "Usage: " + commands["/observe-mode"], nil
	}
	res, err := h.policy.SetChannelMode(ctx, req.ChannelID, mode, req.UserID)
	if err != nil {
		return "", err
	}
	if !res.Found {
		return "Turn observe mode on first with /observe on.", nil
	}
	return fmt.Sprintf("Mode set to %s.", res.Mode), nil
}

func (h *Handler) handleReview(ctx context.Context, req Request, args []string) (string, error) {
	action := "here"
	if len(args) > 0 {
		action = strings.ToLower(args[0])
	}

	switch action {
	case "here", "set":
		if _, err := h.policy.SetReviewChannel(ctx, req.ChannelID, req.ChannelName); err != nil {
			return "", err
		}
		return "Review cards will be posted in this channel.", nil
	case "off", "clear":
		if _, err := h.policy.SetReviewChannel(ctx, "", ""); err != nil {
			return "", err
		}
		return "Review channel cleared. Cards go to the observed channel itself.", nil
	default:
		return "Usage: " + commands["/observe-review"], nil
	}
}

func (h *Handler) handleTraining(ctx context.Context, req Request, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: " + commands["/observe-training"], nil
	}
	var enabled bool
	switch strings.ToLower(args[0]) {
	case "on", "enable":
		enabled = true
	case "off", "disable":
	default:
		return "Usage: " + commands["/observe-training"], nil
	}

	res, err := h.policy.SetCrossChannelTraining(ctx, req.ChannelID, enabled, req.UserID)
	if err != nil {
		return "", err
	}
	if !res.Found {
		return "Turn observe mode on first with /observe on.", nil
	}
	if res.Enabled {
		return fmt.Sprintf("Cross-channel training is on (redaction: %s).", res.Policy), nil
	}
	return "Cross-channel training is off.", nil
}

func (h *Handler) handleRedaction(ctx context.Context, req Request, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: " + commands["/observe-redaction"], nil
	}
	p, ok := policy.ParseRedactionPolicy(args[0])
	if !ok {
		return "Usage: " + commands["/observe-redaction"], nil
	}
	res, err := h.policy.SetRedactionPolicy(ctx, req.ChannelID, p, req.UserID)
	if err != nil {
		return "", err
	}
	if !res.Found {
		return "Turn observe mode on first with /observe on.", nil
	}
	return fmt.Sprintf("Redaction policy set to %s.", res.Policy), nil
}

func (h *Handler) handleStatus(ctx context.Context, req Request) (string, error) {
	doc, err := h.policy.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if entry, ok := doc.ObservedChannels[req.ChannelID]; ok && entry.Enabled {
		fmt.Fprintf(&b, "This channel: observed, mode %s", entry.Mode)
		if entry.CrossChannelTraining {
			fmt.Fprintf(&b, ", cross-channel training on (redaction %s)", entry.RedactionPolicy)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("This channel: not observed\n")
	}

	if doc.ReviewChannelID != "" {
		fmt.Fprintf(&b, "Review channel: %s\n", channelLabel(doc.ReviewChannelID, doc.ReviewChannelName))
	} else {
		b.WriteString("Review channel: not set\n")
	}

	ids := make([]string, 0, len(doc.ObservedChannels))
	for id, entry := range doc.ObservedChannels {
		if entry.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	fmt.Fprintf(&b, "Observed channels: %d", len(ids))
	for _, id := range ids {
		entry := doc.ObservedChannels[id]
		fmt.Fprintf(&b, "\n- %s (%s)", channelLabel(id, entry.ChannelName), entry.Mode)
	}
	return b.String(), nil
}

func channelLabel(id, name string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("#%s [%s]", name, id)
}

func helpText() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names)+1)
	lines = append(lines, "Available commands:")
	for _, name := range names {
		lines = append(lines, "  "+commands[name])
	}
	return strings.Join(lines, "\n")
}
