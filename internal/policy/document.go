// Package policy persists which channels run under observe mode and how
// each of them may be read by other channels.
package policy

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// DocumentVersion is the schema version written by this package. Documents
// without a version predate versioning and are migrated on read.
const DocumentVersion = 1

type Mode string

const (
	ModeActive   Mode = "active"
	ModeSilent   Mode = "silent"
	ModeTraining Mode = "training"
)

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeActive:
		return ModeActive, true
	case ModeSilent:
		return ModeSilent, true
	case ModeTraining:
		return ModeTraining, true
	}
	return "", false
}

type RedactionPolicy string

const (
	RedactionOff RedactionPolicy = "off"
	RedactionLLM RedactionPolicy = "llm"
)

func ParseRedactionPolicy(s string) (RedactionPolicy, bool) {
	switch RedactionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case RedactionOff:
		return RedactionOff, true
	case RedactionLLM:
		return RedactionLLM, true
	}
	return "", false
}

// ChannelEntry is the stored state of one observed channel.
type ChannelEntry struct {
	Enabled              bool            `json:"enabled"`
	ChannelName          string          `json:"channelName,omitempty"`
	Mode                 Mode            `json:"mode"`
	CrossChannelTraining bool            `json:"crossChannelTraining"`
	RedactionPolicy      RedactionPolicy `json:"redactionPolicy,omitempty"`
	LastActor            string          `json:"lastActor,omitempty"`
	LastActorAt          time.Time       `json:"lastActorAt,omitzero"`
}

// Document is the whole observe config file.
type Document struct {
	Version           int                     `json:"version"`
	ReviewChannelID   string                  `json:"reviewChannelId,omitempty"`
	ReviewChannelName string                  `json:"reviewChannelName,omitempty"`
	ObservedChannels  map[string]ChannelEntry `json:"observedChannels"`
}

func emptyDocument() Document {
	return Document{
		Version:          DocumentVersion,
		ObservedChannels: make(map[string]ChannelEntry),
	}
}

// wireDocument accepts every shape ever written, including the legacy
// boolean silent flag that preceded mode.
type wireDocument struct {
	Version           *int                   `json:"version"`
	ReviewChannelID   string                 `json:"reviewChannelId"`
	ReviewChannelName string                 `json:"reviewChannelName"`
	ObservedChannels  map[string]wireChannel `json:"observedChannels"`
}

type wireChannel struct {
	Enabled              *bool     `json:"enabled"`
	ChannelName          string    `json:"channelName"`
	Mode                 string    `json:"mode"`
	Silent               *bool     `json:"silent"`
	CrossChannelTraining bool      `json:"crossChannelTraining"`
	RedactionPolicy      string    `json:"redactionPolicy"`
	LastActor            string    `json:"lastActor"`
	LastActorAt          time.Time `json:"lastActorAt"`
}

// decodeDocument never fails. Missing, corrupt or future-version files
// decode to an empty document; legacy fields are normalized here and never
// leave this function.
func decodeDocument(data []byte) Document {
	if len(strings.TrimSpace(string(data))) == 0 {
		return emptyDocument()
	}

	var wire wireDocument
	if err := json.Unmarshal(data, &wire); err != nil {
		slog.Warn("Observe config is corrupt, using empty default", "error", err)
		return emptyDocument()
	}
	if wire.Version != nil && *wire.Version != DocumentVersion {
		slog.Warn("Observe config version mismatch, using empty default",
			"version", *wire.Version,
			"expected", DocumentVersion,
		)
		return emptyDocument()
	}

	doc := emptyDocument()
	doc.ReviewChannelID = strings.TrimSpace(wire.ReviewChannelID)
	doc.ReviewChannelName = wire.ReviewChannelName
	for id, wc := range wire.ObservedChannels {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		doc.ObservedChannels[id] = normalizeChannel(wc)
	}
	return doc
}

func normalizeChannel(wc wireChannel) ChannelEntry {
	entry := ChannelEntry{
		Enabled:              wc.Enabled == nil || *wc.Enabled,
		ChannelName:          wc.ChannelName,
		CrossChannelTraining: wc.CrossChannelTraining,
		LastActor:            wc.LastActor,
		LastActorAt:          wc.LastActorAt,
	}

	if mode, ok := ParseMode(wc.Mode); ok {
		entry.Mode = mode
	} else if wc.Silent != nil && *wc.Silent {
		entry.Mode = ModeSilent
	} else {
		entry.Mode = ModeActive
	}

	if p, ok := ParseRedactionPolicy(wc.RedactionPolicy); ok {
		entry.RedactionPolicy = p
	}
	if entry.CrossChannelTraining && entry.RedactionPolicy == "" {
		entry.RedactionPolicy = RedactionLLM
	}
	return entry
}
