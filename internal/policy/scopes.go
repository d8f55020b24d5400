package policy

import (
	"sort"
	"strings"
)

// MemoryScope is one memory prefix a channel may search.
type MemoryScope struct {
	ChannelID string          `json:"channel_id"`
	Prefix    string          `json:"prefix"`
	Redaction RedactionPolicy `json:"redaction"`
	Own       bool            `json:"own"`
}

// MemoryPrefix is where a channel's memory lives.
func MemoryPrefix(channelID string) string {
	return "memory/channels/" + strings.TrimSpace(channelID)
}

// MemoryScopes lists what a search issued from channelID may read: the
// channel's own memory first, then every other enabled channel that opted
// into cross-channel training, ordered by id and tagged with its redaction
// policy.
func MemoryScopes(doc Document, channelID string) []MemoryScope {
	channelID = strings.TrimSpace(channelID)
	var scopes []MemoryScope
	if channelID != "" {
		scopes = append(scopes, MemoryScope{
			ChannelID: channelID,
			Prefix:    MemoryPrefix(channelID),
			Redaction: RedactionOff,
			Own:       true,
		})
	}

	ids := make([]string, 0, len(doc.ObservedChannels))
	for id, entry := range doc.ObservedChannels {
		if id == channelID || !entry.Enabled || !entry.CrossChannelTraining {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		policy := doc.ObservedChannels[id].RedactionPolicy
		if policy == "" {
			policy = RedactionLLM
		}
		scopes = append(scopes, MemoryScope{
			ChannelID: id,
			Prefix:    MemoryPrefix(id),
			Redaction: policy,
		})
	}
	return scopes
}
