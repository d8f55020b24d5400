package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/harunnryd/kansa/internal/command"
	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/idempotency"
	"github.com/harunnryd/kansa/internal/logger"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const PlatformSlack = "slack"

// SlackAdapter receives Events API, slash command and interaction webhooks,
// posts replies and renders review cards with Block Kit.
type SlackAdapter struct {
	signingSecret string
	client        *slack.Client
	commands      *command.Handler
	dedup         *idempotency.Store
	async         asyncRunner
	gw            Gateway
}

func NewSlackAdapter(cfg config.SlackConfig, deps Deps, opts ...slack.Option) *SlackAdapter {
	return &SlackAdapter{
		signingSecret: cfg.SigningSecret,
		client:        slack.New(cfg.BotToken, opts...),
		commands:      deps.Commands,
		dedup:         deps.Dedup,
		async:         runAsync,
	}
}

func (s *SlackAdapter) Name() string {
	return PlatformSlack
}

// Bind sets the gateway events are forwarded to.
func (s *SlackAdapter) Bind(gw Gateway) {
	s.gw = gw
}

// Routes mounts the webhook endpoints on mux.
func (s *SlackAdapter) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/slack/events", s.handleEvents)
	mux.HandleFunc("/slack/commands", s.handleCommands)
	mux.HandleFunc("/slack/interactions", s.handleInteractions)
}

// Start is a no-op; Slack delivers over the shared HTTP server.
func (s *SlackAdapter) Start(ctx context.Context) error {
	return nil
}

func (s *SlackAdapter) Stop(ctx context.Context) error {
	return nil
}

func (s *SlackAdapter) Health(ctx context.Context) error {
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return errors.Transient("Slack connection failed: " + err.Error())
	}
	return nil
}

func (s *SlackAdapter) Post(ctx context.Context, msg gateway.OutboundMessage) error {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.ThreadAnchor != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadAnchor))
	}
	if _, _, err := s.client.PostMessageContext(ctx, msg.ChannelID, opts...); err != nil {
		return errors.Wrap(err, "failed to send Slack message")
	}
	logger.FromContext(ctx).Debug("Slack message sent", "channel", msg.ChannelID, "thread_ts", msg.ThreadAnchor)
	return nil
}

func (s *SlackAdapter) NotifyBlocked(ctx context.Context, card gateway.BlockedCard) error {
	if card.Platform != PlatformSlack || card.ReviewChannelID == "" {
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, card.ReviewChannelID,
		slack.MsgOptionText(blockedFallback(card), false),
		slack.MsgOptionBlocks(blockedCardBlocks(card)...),
	)
	if err != nil {
		return errors.Wrap(err, "failed to post Slack review card")
	}
	return nil
}

func (s *SlackAdapter) NotifyPendingAnswer(ctx context.Context, card gateway.PendingCard) error {
	if card.Platform != PlatformSlack || card.ReviewChannelID == "" {
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, card.ReviewChannelID,
		slack.MsgOptionText(pendingFallback(card), false),
		slack.MsgOptionBlocks(pendingCardBlocks(card)...),
	)
	if err != nil {
		return errors.Wrap(err, "failed to post Slack answer card")
	}
	return nil
}

// verify reads the body and checks the request signature. It writes the
// error response itself and reports false on failure.
func (s *SlackAdapter) verify(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	sv, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	if _, err := sv.Write(body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	if err := sv.Ensure(); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (s *SlackAdapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verify(w, r)
	if !ok {
		return
	}

	eventsAPIEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if eventsAPIEvent.Type == slackevents.URLVerification {
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	}

	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	eventID := ""
	if cb, ok := eventsAPIEvent.Data.(*slackevents.EventsAPICallbackEvent); ok {
		eventID = cb.EventID
	}
	if eventID != "" && seen(ctx, s.dedup, "slack:event:"+eventID) {
		w.WriteHeader(http.StatusOK)
		return
	}

	var msg *gateway.InboundMessage
	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Bot posts and edits/joins arrive as subtyped messages.
		if ev.BotID == "" && ev.SubType == "" {
			msg = slackInbound(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
		}
	case *slackevents.AppMentionEvent:
		if ev.BotID == "" {
			msg = slackInbound(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
		}
	}

	if msg != nil {
		inbound := *msg
		s.async(logger.WithTraceID(context.WithoutCancel(ctx), eventID), "slack-inbound", func(ctx context.Context) {
			s.forward(ctx, inbound)
		})
	}
	w.WriteHeader(http.StatusOK)
}

func slackInbound(channel, user, text, ts, threadTS string) *gateway.InboundMessage {
	return &gateway.InboundMessage{
		Platform:           PlatformSlack,
		ChannelID:          channel,
		SenderID:           user,
		MessageID:          ts,
		ReplyMainMessageID: threadTS,
		Text:               text,
	}
}

func (s *SlackAdapter) forward(ctx context.Context, msg gateway.InboundMessage) {
	if s.gw == nil {
		logger.FromContext(ctx).Warn("Slack event dropped, gateway not bound", "channel", msg.ChannelID)
		return
	}
	if _, err := s.gw.HandleInbound(ctx, msg); err != nil {
		logger.FromContext(ctx).Error("Failed to handle Slack event", "channel", msg.ChannelID, "error", err)
	}
}

func (s *SlackAdapter) handleCommands(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verify(w, r)
	if !ok {
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	sc, err := slack.SlashCommandParse(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	text := "Commands are not enabled."
	if s.commands != nil {
		resp, err := s.commands.Execute(r.Context(), command.Request{
			ChannelID:   sc.ChannelID,
			ChannelName: sc.ChannelName,
			UserID:      sc.UserID,
			Text:        strings.TrimSpace(sc.Command + " " + sc.Text),
		})
		if err != nil {
			logger.FromContext(r.Context()).Error("Slash command failed", "command", sc.Command, "error", err)
			text = "Command failed: " + errors.Category(err)
		} else {
			text = resp.Text
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&slack.Msg{ResponseType: slack.ResponseTypeEphemeral, Text: text})
}

func (s *SlackAdapter) handleInteractions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verify(w, r)
	if !ok {
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if cb.Type != slack.InteractionTypeBlockActions {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	threadTS := cb.Container.MessageTs
	if threadTS == "" {
		threadTS = cb.Message.Timestamp
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil || action.Value == "" {
			continue
		}
		if seen(ctx, s.dedup, "slack:action:"+action.ActionID+":"+action.Value) {
			continue
		}
		act := reviewAction(action.ActionID)
		refID := action.Value
		channelID := cb.Channel.ID
		actor := cb.User.ID
		s.async(logger.WithTraceID(ctx, refID), "slack-review", func(ctx context.Context) {
			text := review(ctx, s.gw, act, refID, actor, "<@"+actor+">")
			opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
			if threadTS != "" {
				opts = append(opts, slack.MsgOptionTS(threadTS))
			}
			if _, _, err := s.client.PostMessageContext(ctx, channelID, opts...); err != nil {
				logger.FromContext(ctx).Warn("Failed to post review result", "ref_id", refID, "error", err)
			}
		})
	}
	w.WriteHeader(http.StatusOK)
}
