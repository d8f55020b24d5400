package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlayReplacesOnlySetKeys(t *testing.T) {
	base := RawConfig{Enabled: boolPtr(true), ReplyToMode: strPtr("all"), InheritParent: boolPtr(false)}
	got := base.Overlay(RawConfig{ReplyToMode: strPtr("off"), SessionScope: strPtr("thread")})

	assert.True(t, *got.Enabled)
	assert.Equal(t, "off", *got.ReplyToMode)
	assert.Equal(t, "thread", *got.SessionScope)
	assert.False(t, *got.InheritParent)
	assert.Equal(t, "all", *base.ReplyToMode, "base is not mutated")
}

func TestChannelConfigsFor(t *testing.T) {
	cc := NewChannelConfigs(NewResolver(nil),
		RawConfig{Enabled: boolPtr(true)},
		map[string]RawConfig{
			" C-THREAD ": {SessionScope: strPtr("thread"), ReplyToMode: strPtr("all")},
			"C-OFF":      {Enabled: boolPtr(false)},
			"":           {ReplyToMode: strPtr("off")},
		},
	)

	assert.Equal(t, 2, cc.Overrides())
	assert.Equal(t, enabled(ReplyToIncoming), cc.For("C-OTHER"))
	assert.Equal(t, Config{
		Enabled:       true,
		ReplyToMode:   ReplyToAll,
		SessionScope:  ScopeThread,
		InheritParent: true,
	}, cc.For("C-THREAD"))
	assert.False(t, cc.For(" C-OFF ").Enabled)
}

func TestChannelConfigsNilResolver(t *testing.T) {
	cc := NewChannelConfigs(nil, RawConfig{}, nil)
	assert.Equal(t, 0, cc.Overrides())
	assert.False(t, cc.For("C1").Enabled)
}
