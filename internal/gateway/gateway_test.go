package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/kansa/internal/approval"
	"github.com/harunnryd/kansa/internal/ephemeral"
	kerrors "github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/observe"
	"github.com/harunnryd/kansa/internal/policy"
	"github.com/harunnryd/kansa/internal/store"
	"github.com/harunnryd/kansa/internal/threading"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toolCall struct {
	name   string
	params string
}

// scriptedDispatcher calls the guard for each scripted tool and answers
// with reply. It records every request and decision.
type scriptedDispatcher struct {
	mu        sync.Mutex
	tools     []toolCall
	reply     DispatchResult
	err       error
	requests  []DispatchRequest
	decisions []observe.Decision
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	for _, tc := range d.tools {
		d.decisions = append(d.decisions, req.Guard(ctx, tc.name, json.RawMessage(tc.params)))
	}
	return d.reply, d.err
}

type recordingPoster struct {
	mu   sync.Mutex
	sent []OutboundMessage
	err  error
}

func (p *recordingPoster) Post(_ context.Context, msg OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	blocked []BlockedCard
	pending []PendingCard
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) NotifyBlocked(_ context.Context, card BlockedCard) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = append(n.blocked, card)
	return nil
}

func (n *recordingNotifier) NotifyPendingAnswer(_ context.Context, card PendingCard) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, card)
	return nil
}

type fixture struct {
	gw         *Gateway
	policy     *policy.Store
	dispatcher *scriptedDispatcher
	poster     *recordingPoster
	notifier   *recordingNotifier
}

func newFixture(t *testing.T, thread threading.Config) *fixture {
	t.Helper()
	ps := policy.NewStore(filepath.Join(t.TempDir(), "observe", "config.json"), store.DefaultFileLockConfig())
	gate := observe.NewGate(observe.NewRegistry(nil), []string{"Write", "Bash"})
	f := &fixture{
		policy:     ps,
		dispatcher: &scriptedDispatcher{},
		poster:     &recordingPoster{},
		notifier:   &recordingNotifier{},
	}
	gw, err := New(Deps{
		Threading:  thread,
		Policy:     ps,
		Gate:       gate,
		Dispatcher: f.dispatcher,
		Poster:     f.poster,
		Notifiers:  []Notifier{f.notifier},
	})
	require.NoError(t, err)
	f.gw = gw
	return f
}

func (f *fixture) observe(t *testing.T, channelID string) {
	t.Helper()
	_, err := f.policy.EnableChannel(context.Background(), channelID, "", "U-admin")
	require.NoError(t, err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestUnobservedChannelRunsFreely(t *testing.T) {
	f := newFixture(t, threading.Config{})
	f.dispatcher.tools = []toolCall{{"Write", `{"path":"a"}`}}
	f.dispatcher.reply = DispatchResult{Text: "done"}

	out, err := f.gw.HandleInbound(context.Background(), InboundMessage{
		Platform: "slack", ChannelID: "C1", MessageID: "100.1", Text: "write a",
	})
	require.NoError(t, err)
	assert.False(t, out.Observed)
	assert.True(t, out.Posted)
	assert.Empty(t, out.BlockedRefID)
	require.Len(t, f.dispatcher.decisions, 1)
	assert.False(t, f.dispatcher.decisions[0].Block)
	require.Len(t, f.poster.sent, 1)
	assert.Equal(t, "done", f.poster.sent[0].Text)
	assert.Empty(t, f.poster.sent[0].ThreadAnchor)
}

func TestObservedChannelBlocksAndApproveRedispatches(t *testing.T) {
	f := newFixture(t, threading.Config{})
	ctx := context.Background()
	f.observe(t, "C1")
	_, err := f.policy.SetReviewChannel(ctx, "R1", "reviews")
	require.NoError(t, err)

	f.dispatcher.tools = []toolCall{
		{"Write", `{"path":"a"}`},
		{"Write", `{"path":"b"}`},
		{"Read", `{}`},
		{"Bash", `{"cmd":"make"}`},
	}
	f.dispatcher.reply = DispatchResult{Text: "Your change is pending review."}

	out, err := f.gw.HandleInbound(ctx, InboundMessage{
		Platform: "slack", ChannelID: "C1", SenderID: "U1", MessageID: "100.1", Text: "fix the build",
	})
	require.NoError(t, err)
	assert.True(t, out.Observed)
	require.NotEmpty(t, out.BlockedRefID)

	decisions := f.dispatcher.decisions
	require.Len(t, decisions, 4)
	assert.True(t, decisions[0].Block)
	require.NotNil(t, decisions[0].Session)
	assert.Equal(t, "C1", decisions[0].Session.ChannelID)
	assert.True(t, decisions[1].Block)
	assert.False(t, decisions[2].Block)
	assert.True(t, decisions[3].Block)

	require.Len(t, f.notifier.blocked, 1)
	card := f.notifier.blocked[0]
	assert.Equal(t, out.BlockedRefID, card.RefID)
	assert.Equal(t, "R1", card.ReviewChannelID)
	require.Len(t, card.Tools, 2)
	assert.JSONEq(t, `{"path":"a"}`, string(card.Tools[0].Params))
	assert.False(t, f.gw.Gate().Registry().Active("slack:C1"), "session cleared after dispatch")

	f.dispatcher.decisions = nil
	f.dispatcher.reply = DispatchResult{Text: "Build fixed."}
	res, err := f.gw.Approve(ctx, out.BlockedRefID, "U-reviewer")
	require.NoError(t, err)
	assert.Equal(t, []string{"Write", "Bash"}, res.ApprovedTools)
	assert.Equal(t, "slack:C1", res.SessionKey)
	assert.Empty(t, res.Outcome.BlockedRefID)

	for _, d := range f.dispatcher.decisions {
		assert.False(t, d.Block)
	}
	last := f.dispatcher.requests[len(f.dispatcher.requests)-1]
	assert.True(t, last.Redispatch)
	assert.Equal(t, "fix the build", last.Text)
	assert.Equal(t, []string{"Write", "Bash"}, last.ApprovedTools)

	assert.False(t, f.gw.Gate().Registry().Active("slack:C1"))
	assert.Empty(t, f.gw.Gate().Registry().ApprovedTools("slack:C1"), "approvals end with the re-dispatch")

	_, err = f.gw.Approve(ctx, out.BlockedRefID, "U-reviewer")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestRedispatchBlocksNewTools(t *testing.T) {
	f := newFixture(t, threading.Config{})
	ctx := context.Background()
	f.observe(t, "C1")

	f.dispatcher.tools = []toolCall{{"Write", `{}`}}
	out, err := f.gw.HandleInbound(ctx, InboundMessage{Platform: "slack", ChannelID: "C1", Text: "go"})
	require.NoError(t, err)

	f.dispatcher.tools = []toolCall{{"Write", `{}`}, {"Bash", `{}`}}
	res, err := f.gw.Approve(ctx, out.BlockedRefID, "U-reviewer")
	require.NoError(t, err)
	require.NotEmpty(t, res.Outcome.BlockedRefID)

	set, ok := f.gw.Gate().PeekBlockedCallSet(res.Outcome.BlockedRefID)
	require.True(t, ok)
	assert.Equal(t, []string{"Bash"}, set.ToolNames())
}

func TestReject(t *testing.T) {
	f := newFixture(t, threading.Config{})
	ctx := context.Background()
	f.observe(t, "C1")
	f.dispatcher.tools = []toolCall{{"Write", `{}`}}

	out, err := f.gw.HandleInbound(ctx, InboundMessage{Platform: "slack", ChannelID: "C1", Text: "go"})
	require.NoError(t, err)
	calls := len(f.dispatcher.requests)

	set, err := f.gw.Reject(ctx, out.BlockedRefID, "U-reviewer")
	require.NoError(t, err)
	assert.Equal(t, []string{"Write"}, set.ToolNames())
	assert.Len(t, f.dispatcher.requests, calls)

	_, err = f.gw.Approve(ctx, out.BlockedRefID, "U-reviewer")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestSilentModeProposesAnswer(t *testing.T) {
	f := newFixture(t, threading.Config{Enabled: true, ReplyToMode: threading.ReplyToAll, SessionScope: threading.ScopeParent})
	ctx := context.Background()
	f.observe(t, "C1")
	_, err := f.policy.SetChannelMode(ctx, "C1", policy.ModeSilent, "U-admin")
	require.NoError(t, err)
	f.dispatcher.reply = DispatchResult{Text: "Try restarting the pod."}

	out, err := f.gw.HandleInbound(ctx, InboundMessage{
		Platform: "slack", ChannelID: "C1", MessageID: "200.5", Text: "pod is stuck",
	})
	require.NoError(t, err)
	assert.False(t, out.Posted)
	require.NotEmpty(t, out.PendingRefID)
	assert.Empty(t, f.poster.sent)

	require.Len(t, f.notifier.pending, 1)
	assert.Equal(t, "C1", f.notifier.pending[0].ReviewChannelID, "falls back to the source channel")
	assert.Equal(t, out.PendingRefID, f.notifier.pending[0].Pending.RefID)

	p, ok := f.gw.Peek(out.PendingRefID)
	require.True(t, ok)
	assert.Equal(t, "200.5", p.ThreadAnchor)

	approved, err := f.gw.ApproveAnswer(ctx, out.PendingRefID, "U-reviewer")
	require.NoError(t, err)
	assert.Equal(t, "Try restarting the pod.", approved.Answer)
	require.Len(t, f.poster.sent, 1)
	assert.Equal(t, OutboundMessage{Platform: "slack", ChannelID: "C1", Text: "Try restarting the pod.", ThreadAnchor: "200.5"}, f.poster.sent[0])

	_, ok = f.gw.Consume(out.PendingRefID)
	assert.False(t, ok)
	_, err = f.gw.RejectAnswer(ctx, out.PendingRefID, "U-reviewer")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestTrainingModeSkipsDispatch(t *testing.T) {
	f := newFixture(t, threading.Config{})
	ctx := context.Background()
	f.observe(t, "C1")
	_, err := f.policy.SetChannelMode(ctx, "C1", policy.ModeTraining, "U-admin")
	require.NoError(t, err)

	out, err := f.gw.HandleInbound(ctx, InboundMessage{Platform: "slack", ChannelID: "C1", Text: "hello"})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, f.dispatcher.requests)
}

func TestThreadScopedSessionsAndAnchors(t *testing.T) {
	f := newFixture(t, threading.Config{
		Enabled:       true,
		ReplyToMode:   threading.ReplyToIncoming,
		SessionScope:  threading.ScopeThread,
		InheritParent: true,
	})
	ctx := context.Background()
	f.dispatcher.reply = DispatchResult{Text: "ok", ReplyToID: "999.9"}

	out, err := f.gw.HandleInbound(ctx, InboundMessage{
		Platform: "slack", ChannelID: "C1", MessageID: "300.2", ReplyMainMessageID: "300.1", Text: "in thread",
	})
	require.NoError(t, err)
	assert.Equal(t, "slack:C1:thread:300.1", out.SessionKey)
	assert.Equal(t, "300.1", out.ReplyAnchor, "thread replies stay pinned to the anchor")

	req := f.dispatcher.requests[0]
	assert.Equal(t, "slack:C1", req.ParentSessionKey)

	out, err = f.gw.HandleInbound(ctx, InboundMessage{
		Platform: "slack", ChannelID: "C1", MessageID: "301.0", Text: "top level",
	})
	require.NoError(t, err)
	assert.Equal(t, "slack:C1", out.SessionKey)
	assert.Equal(t, "999.9", out.ReplyAnchor)
}

func TestChannelThreadingOverrides(t *testing.T) {
	f := newFixture(t, threading.Config{})
	on, thread := true, "thread"
	gw, err := New(Deps{
		ChannelThreading: threading.NewChannelConfigs(nil,
			threading.RawConfig{Enabled: &on},
			map[string]threading.RawConfig{"C-T": {SessionScope: &thread}},
		),
		Policy:     f.policy,
		Gate:       observe.NewGate(observe.NewRegistry(nil), []string{"Write"}),
		Dispatcher: f.dispatcher,
		Poster:     f.poster,
	})
	require.NoError(t, err)
	ctx := context.Background()
	f.dispatcher.reply = DispatchResult{Text: "ok"}

	out, err := gw.HandleInbound(ctx, InboundMessage{
		Platform: "slack", ChannelID: "C-T", MessageID: "2.0", ReplyMainMessageID: "1.0", Text: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "slack:C-T:thread:1.0", out.SessionKey)
	assert.Equal(t, "1.0", out.ReplyAnchor)

	out, err = gw.HandleInbound(ctx, InboundMessage{
		Platform: "slack", ChannelID: "C-P", MessageID: "2.0", ReplyMainMessageID: "1.0", Text: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "slack:C-P", out.SessionKey, "other channels keep the parent scope")
	assert.Equal(t, "1.0", out.ReplyAnchor)
}

func TestApprovedThreadReplyStaysInThread(t *testing.T) {
	f := newFixture(t, threading.Config{
		Enabled:       true,
		ReplyToMode:   threading.ReplyToIncoming,
		SessionScope:  threading.ScopeThread,
		InheritParent: true,
	})
	f.observe(t, "C1")
	ctx := context.Background()
	f.dispatcher.tools = []toolCall{{"Write", `{"path":"a"}`}}
	f.dispatcher.reply = DispatchResult{Text: "done", ReplyToID: "other.9"}

	out, err := f.gw.HandleInbound(ctx, InboundMessage{
		Platform: "slack", ChannelID: "C1", MessageID: "200.2", ReplyMainMessageID: "100.1", Text: "write it",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.BlockedRefID)
	assert.Equal(t, "100.1", out.ReplyAnchor)

	res, err := f.gw.Approve(ctx, out.BlockedRefID, "U-reviewer")
	require.NoError(t, err)
	assert.Equal(t, "100.1", res.Outcome.ReplyAnchor)

	require.Len(t, f.dispatcher.requests, 2)
	redispatch := f.dispatcher.requests[1]
	assert.True(t, redispatch.Redispatch)
	assert.Equal(t, "slack:C1:thread:100.1", redispatch.SessionKey)
	assert.Equal(t, "slack:C1", redispatch.ParentSessionKey)
	assert.Equal(t, "100.1", redispatch.ThreadAnchor)

	f.poster.mu.Lock()
	defer f.poster.mu.Unlock()
	require.Len(t, f.poster.sent, 2)
	assert.Equal(t, "100.1", f.poster.sent[1].ThreadAnchor)
}

func TestDispatchErrorStillCollectsBlocked(t *testing.T) {
	f := newFixture(t, threading.Config{})
	f.observe(t, "C1")
	f.dispatcher.tools = []toolCall{{"Write", `{}`}}
	f.dispatcher.err = errors.New("model unavailable")

	out, err := f.gw.HandleInbound(context.Background(), InboundMessage{Platform: "slack", ChannelID: "C1", Text: "go"})
	require.Error(t, err)
	assert.NotEmpty(t, out.BlockedRefID)
	assert.False(t, f.gw.Gate().Registry().Active("slack:C1"))
}

func TestPostFailureIsTransient(t *testing.T) {
	f := newFixture(t, threading.Config{})
	f.poster.err = errors.New("channel_not_found")
	f.dispatcher.reply = DispatchResult{Text: "hi"}

	_, err := f.gw.HandleInbound(context.Background(), InboundMessage{Platform: "slack", ChannelID: "C1", Text: "hi"})
	assert.ErrorIs(t, err, kerrors.ErrTransient)
}

func TestInboundRequiresChannel(t *testing.T) {
	f := newFixture(t, threading.Config{})
	_, err := f.gw.HandleInbound(context.Background(), InboundMessage{Text: "hi"})
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
}

func TestBeforeToolCallAndManualApproval(t *testing.T) {
	f := newFixture(t, threading.Config{})
	ctx := context.Background()
	reg := f.gw.Gate().Registry()
	reg.Mark("S1", observe.Session{ChannelID: "C1"})

	d := f.gw.BeforeToolCall(ctx, "S1", "Write", json.RawMessage(`{"path":"a"}`))
	require.True(t, d.Block)

	res, ok := f.gw.CollectBlocked("S1")
	require.True(t, ok)
	assert.Len(t, res.Tools, 1)

	f.gw.MarkToolsApproved("S1", []string{"Write"})
	d = f.gw.BeforeToolCall(ctx, "S1", "Write", json.RawMessage(`{"path":"a"}`))
	assert.False(t, d.Block)
}

func TestProposeValidatesAndUsesReviewChannel(t *testing.T) {
	f := newFixture(t, threading.Config{})
	ctx := context.Background()

	_, err := f.gw.Propose(ctx, approval.Pending{ChannelID: "C1"})
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)

	_, err = f.policy.SetReviewChannel(ctx, "R9", "")
	require.NoError(t, err)
	ref, err := f.gw.Propose(ctx, approval.Pending{ChannelID: "C1", Answer: "draft"})
	require.NoError(t, err)
	require.Len(t, f.notifier.pending, 1)
	assert.Equal(t, "R9", f.notifier.pending[0].ReviewChannelID)

	p, ok := f.gw.Consume(ref)
	require.True(t, ok)
	assert.Equal(t, "R9", p.ReviewChannelID)
}

func TestPlatformOf(t *testing.T) {
	assert.Equal(t, "slack", PlatformOf("slack:C1:thread:1.2"))
	assert.Equal(t, "telegram", PlatformOf("telegram:-100"))
	assert.Equal(t, "chat", PlatformOf("nokey"))
	assert.Equal(t, "chat", InboundMessage{ChannelID: "C1"}.BaseSessionKey()[:4])
}

func TestPruneSweepsExpiredEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ps := policy.NewStore(filepath.Join(t.TempDir(), "config.json"), store.DefaultFileLockConfig())
	blocked := ephemeral.NewStore[observe.BlockedCallSet](time.Minute, ephemeral.WithClock(clock))
	gate := observe.NewGate(observe.NewRegistry(clock), []string{"Write"}, observe.WithBlockedStore(blocked))
	dispatcher := &scriptedDispatcher{tools: []toolCall{{"Write", `{}`}}}
	gw, err := New(Deps{
		Policy:     ps,
		Gate:       gate,
		Pending:    approval.NewStore(time.Minute, ephemeral.WithClock(clock)),
		ReplyRoots: threading.NewReplyRootCache(time.Minute, 10, clock),
		Dispatcher: dispatcher,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = ps.EnableChannel(ctx, "C1", "", "U1")
	require.NoError(t, err)
	out, err := gw.HandleInbound(ctx, InboundMessage{Platform: "slack", ChannelID: "C1", MessageID: "1.0", Text: "go"})
	require.NoError(t, err)
	require.NotEmpty(t, out.BlockedRefID)
	_, err = gw.Propose(ctx, approval.Pending{SessionKey: "slack:C1", ChannelID: "C1", Answer: "draft"})
	require.NoError(t, err)

	set, ok := gw.PeekBlocked(out.BlockedRefID)
	require.True(t, ok)
	assert.Equal(t, []string{"Write"}, set.ToolNames())

	assert.Equal(t, PruneStats{}, gw.Prune())

	now = now.Add(2 * time.Minute)
	stats := gw.Prune()
	assert.Equal(t, 1, stats.Blocked)
	assert.Equal(t, 1, stats.Pending)
	_, ok = gw.PeekBlocked(out.BlockedRefID)
	assert.False(t, ok)
}
