package threading

import "strings"

// Overlay returns raw with every key set in override replacing its own.
func (raw RawConfig) Overlay(override RawConfig) RawConfig {
	if override.Enabled != nil {
		raw.Enabled = override.Enabled
	}
	if override.ReplyToMode != nil {
		raw.ReplyToMode = override.ReplyToMode
	}
	if override.SessionScope != nil {
		raw.SessionScope = override.SessionScope
	}
	if override.InheritParent != nil {
		raw.InheritParent = override.InheritParent
	}
	return raw
}

// ChannelConfigs derives a channel's threading config from the base raw
// config and that channel's override. Nothing is cached; every call
// resolves afresh.
type ChannelConfigs struct {
	resolver *Resolver
	base     RawConfig
	channels map[string]RawConfig
}

// NewChannelConfigs keys overrides by trimmed channel id. A nil resolver
// uses the process-wide one.
func NewChannelConfigs(r *Resolver, base RawConfig, channels map[string]RawConfig) *ChannelConfigs {
	if r == nil {
		r = defaultResolver
	}
	c := &ChannelConfigs{
		resolver: r,
		base:     base,
		channels: make(map[string]RawConfig, len(channels)),
	}
	for id, raw := range channels {
		if id = strings.TrimSpace(id); id != "" {
			c.channels[id] = raw
		}
	}
	return c
}

func (c *ChannelConfigs) For(channelID string) Config {
	raw := c.base
	if override, ok := c.channels[strings.TrimSpace(channelID)]; ok {
		raw = raw.Overlay(override)
	}
	return c.resolver.ResolveConfig(raw)
}

// Overrides counts channels with their own threading keys.
func (c *ChannelConfigs) Overrides() int {
	return len(c.channels)
}
