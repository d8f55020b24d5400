package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/kansa/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerAppendsOneLinePerCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observe", "audit.log")
	al, err := NewFileLogger(path, true, nil)
	require.NoError(t, err)

	ctx := logger.WithTraceID(context.Background(), "trace-1")
	require.NoError(t, al.Log(ctx, &Entry{SessionKey: "s1", ToolName: "Write", Decision: DecisionBlock, Input: json.RawMessage(`{"path":"a"}`)}))
	require.NoError(t, al.Log(ctx, &Entry{SessionKey: "s1", ToolName: "Read", Decision: DecisionAllow}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))

	entries, err := al.Query(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "trace-1", entries[0].TraceID)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestFileLoggerQueryFilter(t *testing.T) {
	al, err := NewFileLogger(filepath.Join(t.TempDir(), "audit.log"), true, nil)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, al.Log(context.Background(), &Entry{Timestamp: base, SessionKey: "s1", ToolName: "Write", Decision: DecisionBlock}))
	require.NoError(t, al.Log(context.Background(), &Entry{Timestamp: base.Add(time.Hour), SessionKey: "s2", ToolName: "Write", Decision: DecisionAllow}))
	require.NoError(t, al.Log(context.Background(), &Entry{Timestamp: base.Add(2 * time.Hour), SessionKey: "s1", ToolName: "Bash", Decision: DecisionBlock}))

	blocked, err := al.Query(context.Background(), &Filter{Decision: DecisionBlock})
	require.NoError(t, err)
	assert.Len(t, blocked, 2)

	s1Write, err := al.Query(context.Background(), &Filter{SessionKey: "s1", ToolName: "Write"})
	require.NoError(t, err)
	assert.Len(t, s1Write, 1)

	window, err := al.Query(context.Background(), &Filter{StartTime: base.Add(30 * time.Minute), EndTime: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "s2", window[0].SessionKey)
}

func TestFileLoggerRedactsInput(t *testing.T) {
	al, err := NewFileLogger(filepath.Join(t.TempDir(), "audit.log"), true, []string{`sk-[A-Za-z0-9]+`, "hunter2"})
	require.NoError(t, err)

	require.NoError(t, al.Log(context.Background(), &Entry{
		ToolName: "Bash",
		Decision: DecisionBlock,
		Input:    json.RawMessage(`{"cmd":"curl -H 'Authorization: sk-abc123' --pass hunter2"}`),
	}))

	entries, err := al.Query(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, string(entries[0].Input), "sk-abc123")
	assert.NotContains(t, string(entries[0].Input), "hunter2")
	assert.Contains(t, string(entries[0].Input), "[REDACTED]")
}

func TestDisabledLoggerDropsEntries(t *testing.T) {
	al, err := NewFileLogger("", false, nil)
	require.NoError(t, err)

	require.NoError(t, al.Log(context.Background(), &Entry{ToolName: "Write"}))
	entries, err := al.Query(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogRejectsNilEntry(t *testing.T) {
	al, err := NewFileLogger(filepath.Join(t.TempDir(), "audit.log"), true, nil)
	require.NoError(t, err)
	assert.Error(t, al.Log(context.Background(), nil))
}
