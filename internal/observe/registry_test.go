package observe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryMarkStampsSession(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	reg := NewRegistry(func() time.Time { return at })

	reg.Mark("slack:C1:T1", Session{ChannelID: "C1", SenderID: "U1"})
	s, ok := reg.Get("slack:C1:T1")
	require.True(t, ok)
	assert.Equal(t, "slack:C1:T1", s.Key)
	assert.Equal(t, at, s.MarkedAt)
	assert.Equal(t, "U1", s.SenderID)

	explicit := at.Add(-time.Hour)
	reg.Mark("slack:C2", Session{MarkedAt: explicit})
	s, _ = reg.Get("slack:C2")
	assert.Equal(t, explicit, s.MarkedAt)
}

func TestRegistryIgnoresEmptyKeys(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Mark("  ", Session{ChannelID: "C1"})
	reg.MarkToolsApproved("", []string{"Write"})

	assert.False(t, reg.Active(""))
	assert.Empty(t, reg.ApprovedTools(""))
}

func TestRegistryApprovedToolsDropBlankNames(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MarkToolsApproved("S1", []string{"Write", " ", "", " Bash "})
	assert.ElementsMatch(t, []string{"Write", "Bash"}, reg.ApprovedTools("S1"))
}

func TestRegistryBlockedToolsUnknownSession(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Nil(t, reg.BlockedTools("missing"))

	_, _, ok := reg.snapshot("missing")
	assert.False(t, ok)
}

func TestRegistryEvaluateCopiesParams(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Mark("S1", Session{})

	params := []byte(`  {"path":"a"}  `)
	_, v := reg.evaluate("S1", "Write", params)
	require.Equal(t, verdictBlocked, v)
	params[3] = 'X'

	blocked := reg.BlockedTools("S1")
	require.Len(t, blocked, 1)
	assert.Equal(t, `{"path":"a"}`, string(blocked[0].Params))
}
