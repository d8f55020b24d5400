package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/kansa/internal/approval"
	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/observe"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type botCall struct {
	method string
	params url.Values
}

// fakeBotAPI answers the handful of Bot API methods the adapter uses.
type fakeBotAPI struct {
	mu    sync.Mutex
	calls []botCall
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	w.Header().Set("Content-Type", "application/json")

	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"kansa","username":"kansa_bot"}}`))
		return
	case "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":-100,"type":"group"}}}`))
	case "answerCallbackQuery":
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	default:
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"not found"}`))
	}

	f.mu.Lock()
	f.calls = append(f.calls, botCall{method: method, params: r.PostForm})
	f.mu.Unlock()
}

func (f *fakeBotAPI) Calls(method string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []url.Values
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c.params)
		}
	}
	return out
}

func newTestTelegram(t *testing.T, reviewChatID int64) (*TelegramAdapter, *fakeGateway, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	deps, _ := newTestDeps(t)
	a := NewTelegramAdapter(config.TelegramConfig{Enabled: true, BotToken: "test", ReviewChatID: reviewChatID}, deps,
		WithTelegramEndpoint(srv.URL+"/bot%s/%s"))
	a.async = syncRunner
	gw := &fakeGateway{}
	a.Bind(gw)
	return a, gw, api
}

func TestTelegramMessageForwarded(t *testing.T) {
	a, gw, _ := newTestTelegram(t, 0)
	update := tgbotapi.Update{
		UpdateID: 10,
		Message: &tgbotapi.Message{
			MessageID:      42,
			From:           &tgbotapi.User{ID: 5, UserName: "ana"},
			Chat:           &tgbotapi.Chat{ID: -100, Type: "group", Title: "ops"},
			Text:           "restart the worker",
			ReplyToMessage: &tgbotapi.Message{MessageID: 40},
		},
	}

	a.handleUpdate(context.Background(), update)
	a.handleUpdate(context.Background(), update)

	got := gw.Inbound()
	require.Len(t, got, 1)
	assert.Equal(t, gateway.InboundMessage{
		Platform:           PlatformTelegram,
		ChannelID:          "-100",
		ChannelName:        "ops",
		SenderID:           "5",
		SenderName:         "ana",
		MessageID:          "42",
		ReplyMainMessageID: "40",
		Text:               "restart the worker",
	}, got[0])
}

func TestTelegramIgnoresBots(t *testing.T) {
	a, gw, _ := newTestTelegram(t, 0)
	a.handleUpdate(context.Background(), tgbotapi.Update{
		UpdateID: 11,
		Message: &tgbotapi.Message{
			MessageID: 1,
			From:      &tgbotapi.User{ID: 6, IsBot: true},
			Chat:      &tgbotapi.Chat{ID: -100},
			Text:      "beep",
		},
	})
	assert.Empty(t, gw.Inbound())
}

func TestTelegramCommandWithBotSuffix(t *testing.T) {
	a, gw, api := newTestTelegram(t, 0)
	a.handleUpdate(context.Background(), tgbotapi.Update{
		UpdateID: 12,
		Message: &tgbotapi.Message{
			MessageID: 3,
			From:      &tgbotapi.User{ID: 5},
			Chat:      &tgbotapi.Chat{ID: -100, Title: "ops"},
			Text:      "/observe@kansa_bot on",
		},
	})

	assert.Empty(t, gw.Inbound())
	sent := api.Calls("sendMessage")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Get("text"), "Observe mode is on")
	assert.Equal(t, "3", sent[0].Get("reply_to_message_id"))
}

func TestCommandText(t *testing.T) {
	assert.Equal(t, "/observe on", commandText("/observe@kansa_bot on"))
	assert.Equal(t, "/observe-status", commandText(" /observe-status@kansa_bot "))
	assert.Equal(t, "hello @kansa_bot", commandText("hello @kansa_bot"))
}

func TestTelegramCallbackApproves(t *testing.T) {
	a, gw, api := newTestTelegram(t, 0)
	a.handleUpdate(context.Background(), tgbotapi.Update{
		UpdateID: 13,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb1",
			From:    &tgbotapi.User{ID: 9, UserName: "rev"},
			Message: &tgbotapi.Message{MessageID: 8, Chat: &tgbotapi.Chat{ID: -200}},
			Data:    "ta:REF1",
		},
	})

	assert.Equal(t, []reviewCall{{"approve", "REF1", "9"}}, gw.Reviews())
	require.Len(t, api.Calls("answerCallbackQuery"), 1)
	sent := api.Calls("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "-200", sent[0].Get("chat_id"))
	assert.Contains(t, sent[0].Get("text"), "Approved by @rev")
}

func TestTelegramCallbackUnknownAction(t *testing.T) {
	a, gw, api := newTestTelegram(t, 0)
	a.handleUpdate(context.Background(), tgbotapi.Update{
		UpdateID:      14,
		CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb2", Data: "zz:REF1"},
	})

	assert.Empty(t, gw.Reviews())
	calls := api.Calls("answerCallbackQuery")
	require.Len(t, calls, 1)
	assert.Equal(t, "Unknown action.", calls[0].Get("text"))
}

func TestTelegramPostRepliesToAnchor(t *testing.T) {
	a, _, api := newTestTelegram(t, 0)

	require.NoError(t, a.Post(context.Background(), gateway.OutboundMessage{
		Platform: PlatformTelegram, ChannelID: "-100", Text: "done", ThreadAnchor: "42",
	}))
	err := a.Post(context.Background(), gateway.OutboundMessage{Platform: PlatformTelegram, ChannelID: "general", Text: "x"})
	require.Error(t, err)

	sent := api.Calls("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "-100", sent[0].Get("chat_id"))
	assert.Equal(t, "42", sent[0].Get("reply_to_message_id"))
}

func TestTelegramNotifyBlockedUsesReviewChat(t *testing.T) {
	a, _, api := newTestTelegram(t, -300)
	card := gateway.BlockedCard{
		Platform:        PlatformSlack,
		RefID:           "REF1",
		ReviewChannelID: "R1",
		Session:         observe.Session{ChannelID: "C1", ChannelName: "ops", Question: "ship it"},
		Tools:           []observe.BlockedTool{{Name: "Write", Params: json.RawMessage(`{"path":"a"}`)}},
		ExpiresAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	require.NoError(t, a.NotifyBlocked(context.Background(), card))

	sent := api.Calls("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "-300", sent[0].Get("chat_id"))
	assert.Contains(t, sent[0].Get("text"), "Review requested for #ops")
	assert.Contains(t, sent[0].Get("text"), `- Write {"path":"a"}`)

	var markup tgbotapi.InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(sent[0].Get("reply_markup")), &markup))
	require.Len(t, markup.InlineKeyboard, 1)
	require.Len(t, markup.InlineKeyboard[0], 2)
	assert.Equal(t, "ta:REF1", *markup.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "tr:REF1", *markup.InlineKeyboard[0][1].CallbackData)
}

func TestTelegramNotifySkipsForeignCardsWithoutReviewChat(t *testing.T) {
	a, _, api := newTestTelegram(t, 0)

	require.NoError(t, a.NotifyPendingAnswer(context.Background(), gateway.PendingCard{
		Platform: PlatformSlack, ReviewChannelID: "R1", Pending: approval.Pending{RefID: "P1"},
	}))
	assert.Empty(t, api.Calls("sendMessage"))

	require.NoError(t, a.NotifyPendingAnswer(context.Background(), gateway.PendingCard{
		Platform: PlatformTelegram, ReviewChannelID: "-400", Pending: approval.Pending{RefID: "P1", Answer: "42"},
	}))
	sent := api.Calls("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "-400", sent[0].Get("chat_id"))

	var markup tgbotapi.InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(sent[0].Get("reply_markup")), &markup))
	assert.Equal(t, "aa:P1", *markup.InlineKeyboard[0][0].CallbackData)
}
