package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/kansa/internal/audit"
	"github.com/harunnryd/kansa/internal/ephemeral"
	"github.com/harunnryd/kansa/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMutating = []string{"Write", "Edit", "Bash"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGate(t *testing.T) (*Gate, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)}
	reg := NewRegistry(clock.Now)
	store := ephemeral.NewStore[BlockedCallSet](DefaultBlockedTTL, ephemeral.WithClock(clock.Now))
	return NewGate(reg, testMutating, WithBlockedStore(store)), clock
}

func TestUnobservedSessionsAlwaysAllow(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	for _, tool := range []string{"Write", "Edit", "Bash", "Read", "", "deploy"} {
		d := g.ShouldBlockTool(ctx, "never-marked", tool, json.RawMessage(`{}`))
		assert.False(t, d.Block, "tool %q", tool)
		assert.Nil(t, d.Session)
	}
	d := g.ShouldBlockTool(ctx, "", "Write", nil)
	assert.False(t, d.Block)
	assert.Equal(t, ReasonNoSession, d.Reason)
}

func TestNonMutatingToolsAllowedWhileObserving(t *testing.T) {
	g, _ := newTestGate(t)
	g.Registry().Mark("S1", Session{ChannelID: "C1"})

	d := g.ShouldBlockTool(context.Background(), "S1", "Read", json.RawMessage(`{"path":"a"}`))
	assert.False(t, d.Block)
	assert.Equal(t, ReasonNotMutating, d.Reason)
	assert.Empty(t, g.Registry().BlockedTools("S1"))
}

func TestBlockedCallsDedupByNameKeepingFirstParams(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	g.Registry().Mark("S1", Session{ChannelID: "C1", Question: "rename the file"})

	for i := 0; i < 4; i++ {
		d := g.ShouldBlockTool(ctx, "S1", "Write", json.RawMessage(fmt.Sprintf(`{"path":"p%d"}`, i)))
		require.True(t, d.Block)
		require.NotNil(t, d.Session)
		assert.Equal(t, "C1", d.Session.ChannelID)
		assert.Equal(t, "rename the file", d.Session.Question)
	}
	g.ShouldBlockTool(ctx, "S1", "Bash", json.RawMessage(`{"cmd":"ls"}`))

	blocked := g.Registry().BlockedTools("S1")
	require.Len(t, blocked, 2)
	assert.Equal(t, "Write", blocked[0].Name)
	assert.JSONEq(t, `{"path":"p0"}`, string(blocked[0].Params))
	assert.Equal(t, "Bash", blocked[1].Name)
}

func TestApprovalScenario(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	reg := g.Registry()
	params := json.RawMessage(`{"path":"a"}`)

	reg.Mark("S1", Session{ChannelID: "C1"})
	d := g.ShouldBlockTool(ctx, "S1", "Write", params)
	require.True(t, d.Block)
	require.Len(t, reg.BlockedTools("S1"), 1)

	reg.MarkToolsApproved("S1", []string{"Write"})
	d = g.ShouldBlockTool(ctx, "S1", "Write", params)
	assert.False(t, d.Block)
	assert.Equal(t, ReasonApproved, d.Reason)

	d = g.ShouldBlockTool(ctx, "S1", "Write", json.RawMessage(`{"path":"b"}`))
	assert.False(t, d.Block, "approval lasts for the whole re-dispatch")

	d = g.ShouldBlockTool(ctx, "S1", "Edit", params)
	assert.True(t, d.Block, "approval covers only the named tools")
}

func TestMarkToolsApprovedReplaces(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	reg := g.Registry()
	reg.Mark("S1", Session{})

	reg.MarkToolsApproved("S1", []string{"Write", "Bash"})
	reg.MarkToolsApproved("S1", []string{"Edit"})

	assert.True(t, g.ShouldBlockTool(ctx, "S1", "Write", nil).Block)
	assert.False(t, g.ShouldBlockTool(ctx, "S1", "Edit", nil).Block)
	assert.ElementsMatch(t, []string{"Edit"}, reg.ApprovedTools("S1"))
}

func TestApprovalsSurviveRemarkButNotClear(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	reg := g.Registry()

	reg.Mark("S1", Session{ChannelID: "C1"})
	g.ShouldBlockTool(ctx, "S1", "Write", nil)
	reg.Clear("S1")

	reg.MarkToolsApproved("S1", []string{"Write"})
	reg.Mark("S1", Session{ChannelID: "C1"})
	assert.Empty(t, reg.BlockedTools("S1"), "re-mark starts a fresh accumulator")
	assert.False(t, g.ShouldBlockTool(ctx, "S1", "Write", nil).Block)

	reg.Clear("S1")
	assert.False(t, reg.Active("S1"))
	assert.Empty(t, reg.ApprovedTools("S1"))

	reg.Mark("S1", Session{})
	assert.True(t, g.ShouldBlockTool(ctx, "S1", "Write", nil).Block)
}

func TestCollectBlockedScenario(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	reg := g.Registry()
	reg.Mark("S1", Session{ChannelID: "C1", ReviewChannelID: "R1"})

	_, ok := g.CollectBlocked("S1")
	assert.False(t, ok, "empty accumulator yields nothing")
	_, ok = g.CollectBlocked("unknown")
	assert.False(t, ok)

	g.ShouldBlockTool(ctx, "S1", "Write", json.RawMessage(`{"path":"a"}`))
	g.ShouldBlockTool(ctx, "S1", "Bash", json.RawMessage(`{"cmd":"rm"}`))

	res, ok := g.CollectBlocked("S1")
	require.True(t, ok)
	require.NotEmpty(t, res.RefID)
	require.Len(t, res.Tools, 2)
	assert.Equal(t, "R1", res.Session.ReviewChannelID)

	set, ok := g.BlockedCallSet(res.RefID)
	require.True(t, ok)
	assert.Equal(t, res.RefID, set.RefID)
	assert.Equal(t, "S1", set.SessionKey)
	assert.Equal(t, []string{"Write", "Bash"}, set.ToolNames())
	assert.Equal(t, res.ExpiresAt, set.ExpiresAt)

	_, ok = g.BlockedCallSet(res.RefID)
	assert.False(t, ok, "blocked call sets are single-use")

	assert.Len(t, reg.BlockedTools("S1"), 2, "collect does not clear the accumulator")

	res2, ok := g.CollectBlocked("S1")
	require.True(t, ok)
	assert.NotEqual(t, res.RefID, res2.RefID)
	assert.Greater(t, res2.RefID, res.RefID)
}

func TestBlockedCallSetExpires(t *testing.T) {
	g, clock := newTestGate(t)
	g.Registry().Mark("S1", Session{})
	g.ShouldBlockTool(context.Background(), "S1", "Write", nil)

	res, ok := g.CollectBlocked("S1")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(30*time.Minute), res.ExpiresAt)

	_, ok = g.PeekBlockedCallSet(res.RefID)
	require.True(t, ok)

	clock.Advance(30 * time.Minute)
	_, ok = g.BlockedCallSet(res.RefID)
	assert.False(t, ok)
}

func TestSnapshotIsIsolatedFromLaterCalls(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	g.Registry().Mark("S1", Session{})
	g.ShouldBlockTool(ctx, "S1", "Write", json.RawMessage(`{"path":"a"}`))

	res, ok := g.CollectBlocked("S1")
	require.True(t, ok)
	res.Tools[0].Params[2] = 'X'

	g.ShouldBlockTool(ctx, "S1", "Edit", nil)
	set, ok := g.BlockedCallSet(res.RefID)
	require.True(t, ok)
	require.Len(t, set.Tools, 1)
	assert.JSONEq(t, `{"path":"a"}`, string(set.Tools[0].Params))
}

func TestToolNamesAreTrimmed(t *testing.T) {
	g, _ := newTestGate(t)
	g.Registry().Mark(" S1 ", Session{})

	d := g.ShouldBlockTool(context.Background(), "S1", "  Write ", nil)
	assert.True(t, d.Block)
	assert.True(t, g.IsMutating(" Bash"))
	assert.False(t, g.IsMutating(""))
}

func TestGateAuditsEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	al, err := audit.NewFileLogger(path, true, nil)
	require.NoError(t, err)

	reg := NewRegistry(nil)
	g := NewGate(reg, testMutating, WithAuditLogger(al))
	ctx := context.Background()
	reg.Mark("S1", Session{ChannelID: "C1"})

	g.ShouldBlockTool(ctx, "S1", "Write", json.RawMessage(`{"path":"a"}`))
	g.ShouldBlockTool(ctx, "S1", "Read", nil)
	g.ShouldBlockTool(ctx, "S2", "Write", nil)

	entries, err := al.Query(ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.DecisionBlock, entries[0].Decision)
	assert.Equal(t, "C1", entries[0].ChannelID)
	assert.Equal(t, audit.DecisionAllow, entries[1].Decision)
	assert.Equal(t, ReasonNoSession, entries[2].Reason)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("S%d", i)
		g.Registry().Mark(key, Session{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				g.ShouldBlockTool(ctx, key, "Write", nil)
				g.ShouldBlockTool(ctx, key, "Bash", nil)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		assert.Len(t, g.Registry().BlockedTools(fmt.Sprintf("S%d", i)), 2)
	}
}

func TestHeldCallLogsSessionOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	g, _ := newTestGate(t)
	g.Registry().Mark("slack:C1", Session{ChannelID: "C1"})

	g.ShouldBlockTool(context.Background(), "slack:C1", "Write", nil)
	g.ShouldBlockTool(logger.WithSessionKey(context.Background(), "slack:C1"), "slack:C1", "Bash", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "Tool call held for review")
		assert.Equal(t, 1, strings.Count(line, "session=slack:C1"), line)
	}
}
