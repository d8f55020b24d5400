package policy

import (
	"context"
	"strings"
	"time"

	kerrors "github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/logger"
	"github.com/harunnryd/kansa/internal/store"
)

// ChannelResult reports the entry of one channel. Found is false when the
// channel is not observed.
type ChannelResult struct {
	ChannelID string
	Found     bool
	Entry     ChannelEntry
}

// ToggleResult is the state after a toggle.
type ToggleResult struct {
	ChannelID string
	Enabled   bool
	Entry     ChannelEntry
}

type ReviewChannel struct {
	ID    string
	Name  string
	Found bool
}

type ModeResult struct {
	ChannelID string
	Found     bool
	Mode      Mode
}

// CrossChannelPolicy describes whether other channels may learn from this
// channel's memory, and how it is redacted before they do.
type CrossChannelPolicy struct {
	ChannelID   string
	Found       bool
	Enabled     bool
	Policy      RedactionPolicy
	LastActor   string
	LastActorAt time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the durable observe config. Every mutation is one locked
// read-modify-write of the document.
type Store struct {
	file *store.JSONFile[Document]
	now  func() time.Time
}

func NewStore(path string, lockCfg *store.FileLockConfig, opts ...Option) *Store {
	s := &Store{
		file: store.NewJSONFile(path, lockCfg, decodeDocument),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Path() string {
	return s.file.Path()
}

// Snapshot returns the current document.
func (s *Store) Snapshot(ctx context.Context) (Document, error) {
	return s.file.Read(ctx)
}

func (s *Store) Channel(ctx context.Context, channelID string) (ChannelResult, error) {
	channelID = strings.TrimSpace(channelID)
	doc, err := s.file.Read(ctx)
	if err != nil {
		return ChannelResult{}, err
	}
	entry, ok := doc.ObservedChannels[channelID]
	return ChannelResult{ChannelID: channelID, Found: ok, Entry: entry}, nil
}

// IsObserved reports whether channelID has an enabled entry.
func (s *Store) IsObserved(ctx context.Context, channelID string) (bool, error) {
	res, err := s.Channel(ctx, channelID)
	if err != nil {
		return false, err
	}
	return res.Found && res.Entry.Enabled, nil
}

// EnableChannel turns observation on. Enabling an observed channel only
// refreshes its name.
func (s *Store) EnableChannel(ctx context.Context, channelID, channelName, actor string) (ChannelEntry, error) {
	channelID, err := requireChannelID(channelID)
	if err != nil {
		return ChannelEntry{}, err
	}

	var out ChannelEntry
	_, err = s.file.Update(ctx, func(doc *Document) error {
		entry, ok := doc.ObservedChannels[channelID]
		if ok && entry.Enabled && (channelName == "" || entry.ChannelName == channelName) {
			out = entry
			return store.ErrSkipWrite
		}
		if !ok {
			entry = ChannelEntry{Mode: ModeActive}
		}
		entry.Enabled = true
		if channelName != "" {
			entry.ChannelName = channelName
		}
		s.stamp(&entry, actor)
		doc.ObservedChannels[channelID] = entry
		out = entry
		return nil
	})
	if err != nil {
		return ChannelEntry{}, err
	}
	logger.FromContext(ctx).Info("Observe enabled", "channel", channelID, "actor", actor)
	return out, nil
}

// ToggleChannel flips observation. Turning it off deletes the entry.
func (s *Store) ToggleChannel(ctx context.Context, channelID, channelName, actor string) (ToggleResult, error) {
	channelID, err := requireChannelID(channelID)
	if err != nil {
		return ToggleResult{}, err
	}

	res := ToggleResult{ChannelID: channelID}
	_, err = s.file.Update(ctx, func(doc *Document) error {
		if entry, ok := doc.ObservedChannels[channelID]; ok && entry.Enabled {
			delete(doc.ObservedChannels, channelID)
			return nil
		}
		entry := ChannelEntry{Enabled: true, ChannelName: channelName, Mode: ModeActive}
		s.stamp(&entry, actor)
		doc.ObservedChannels[channelID] = entry
		res.Enabled = true
		res.Entry = entry
		return nil
	})
	if err != nil {
		return ToggleResult{}, err
	}
	logger.FromContext(ctx).Info("Observe toggled", "channel", channelID, "enabled", res.Enabled, "actor", actor)
	return res, nil
}

// DisableChannel removes the channel entry. It reports whether an entry
// existed.
func (s *Store) DisableChannel(ctx context.Context, channelID, actor string) (bool, error) {
	channelID, err := requireChannelID(channelID)
	if err != nil {
		return false, err
	}

	removed := false
	_, err = s.file.Update(ctx, func(doc *Document) error {
		if _, ok := doc.ObservedChannels[channelID]; !ok {
			return store.ErrSkipWrite
		}
		delete(doc.ObservedChannels, channelID)
		removed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		logger.FromContext(ctx).Info("Observe disabled", "channel", channelID, "actor", actor)
	}
	return removed, nil
}

// SetReviewChannel sets where review cards are posted. An empty id clears
// it.
func (s *Store) SetReviewChannel(ctx context.Context, channelID, channelName string) (ReviewChannel, error) {
	channelID = strings.TrimSpace(channelID)
	doc, err := s.file.Update(ctx, func(doc *Document) error {
		doc.ReviewChannelID = channelID
		doc.ReviewChannelName = channelName
		if channelID == "" {
			doc.ReviewChannelName = ""
		}
		return nil
	})
	if err != nil {
		return ReviewChannel{}, err
	}
	logger.FromContext(ctx).Info("Review channel set", "channel", channelID)
	return reviewChannelOf(doc), nil
}

func (s *Store) ReviewChannel(ctx context.Context) (ReviewChannel, error) {
	doc, err := s.file.Read(ctx)
	if err != nil {
		return ReviewChannel{}, err
	}
	return reviewChannelOf(doc), nil
}

// ChannelMode returns the channel's mode; unobserved channels report
// Found=false and ModeActive.
func (s *Store) ChannelMode(ctx context.Context, channelID string) (ModeResult, error) {
	res, err := s.Channel(ctx, channelID)
	if err != nil {
		return ModeResult{}, err
	}
	if !res.Found {
		return ModeResult{ChannelID: res.ChannelID, Mode: ModeActive}, nil
	}
	return ModeResult{ChannelID: res.ChannelID, Found: true, Mode: res.Entry.Mode}, nil
}

// SetChannelMode changes the mode of an observed channel.
func (s *Store) SetChannelMode(ctx context.Context, channelID string, mode Mode, actor string) (ModeResult, error) {
	channelID, err := requireChannelID(channelID)
	if err != nil {
		return ModeResult{}, err
	}
	parsed, ok := ParseMode(string(mode))
	if !ok {
		return ModeResult{}, kerrors.InvalidInput("unknown observe mode " + string(mode))
	}

	res := ModeResult{ChannelID: channelID, Mode: ModeActive}
	_, err = s.file.Update(ctx, func(doc *Document) error {
		entry, ok := doc.ObservedChannels[channelID]
		if !ok {
			return store.ErrSkipWrite
		}
		entry.Mode = parsed
		s.stamp(&entry, actor)
		doc.ObservedChannels[channelID] = entry
		res.Found = true
		res.Mode = parsed
		return nil
	})
	if err != nil {
		return ModeResult{}, err
	}
	if res.Found {
		logger.FromContext(ctx).Info("Observe mode set", "channel", channelID, "mode", parsed, "actor", actor)
	}
	return res, nil
}

// SetCrossChannelTraining switches cross-channel learning. Enabling it on a
// channel without a redaction policy, or one left at off by a previous
// disable, selects llm. Disabling it always forces off.
func (s *Store) SetCrossChannelTraining(ctx context.Context, channelID string, enabled bool, actor string) (CrossChannelPolicy, error) {
	return s.updateCrossChannel(ctx, channelID, actor, func(entry *ChannelEntry) {
		if !enabled {
			entry.CrossChannelTraining = false
			entry.RedactionPolicy = RedactionOff
			return
		}
		// Off while training was disabled means "not sharing", so it is
		// replaced like an unset policy.
		if !entry.CrossChannelTraining && (entry.RedactionPolicy == "" || entry.RedactionPolicy == RedactionOff) {
			entry.RedactionPolicy = RedactionLLM
		}
		entry.CrossChannelTraining = true
	})
}

// SetRedactionPolicy sets how the channel's memory is redacted for other
// channels.
func (s *Store) SetRedactionPolicy(ctx context.Context, channelID string, policy RedactionPolicy, actor string) (CrossChannelPolicy, error) {
	parsed, ok := ParseRedactionPolicy(string(policy))
	if !ok {
		return CrossChannelPolicy{}, kerrors.InvalidInput("unknown redaction policy " + string(policy))
	}
	return s.updateCrossChannel(ctx, channelID, actor, func(entry *ChannelEntry) {
		entry.RedactionPolicy = parsed
	})
}

func (s *Store) CrossChannelPolicy(ctx context.Context, channelID string) (CrossChannelPolicy, error) {
	res, err := s.Channel(ctx, channelID)
	if err != nil {
		return CrossChannelPolicy{}, err
	}
	if !res.Found {
		return CrossChannelPolicy{ChannelID: res.ChannelID, Policy: RedactionOff}, nil
	}
	return crossChannelOf(res.ChannelID, res.Entry), nil
}

func (s *Store) updateCrossChannel(ctx context.Context, channelID, actor string, mutate func(*ChannelEntry)) (CrossChannelPolicy, error) {
	channelID, err := requireChannelID(channelID)
	if err != nil {
		return CrossChannelPolicy{}, err
	}

	res := CrossChannelPolicy{ChannelID: channelID, Policy: RedactionOff}
	_, err = s.file.Update(ctx, func(doc *Document) error {
		entry, ok := doc.ObservedChannels[channelID]
		if !ok {
			return store.ErrSkipWrite
		}
		mutate(&entry)
		s.stamp(&entry, actor)
		doc.ObservedChannels[channelID] = entry
		res = crossChannelOf(channelID, entry)
		return nil
	})
	if err != nil {
		return CrossChannelPolicy{}, err
	}
	if res.Found {
		logger.FromContext(ctx).Info("Cross-channel policy updated",
			"channel", channelID,
			"training", res.Enabled,
			"redaction", res.Policy,
			"actor", actor,
		)
	}
	return res, nil
}

func (s *Store) stamp(entry *ChannelEntry, actor string) {
	entry.LastActor = strings.TrimSpace(actor)
	entry.LastActorAt = s.now().UTC()
}

func requireChannelID(channelID string) (string, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return "", kerrors.InvalidInput("channel id is required")
	}
	return channelID, nil
}

func reviewChannelOf(doc Document) ReviewChannel {
	return ReviewChannel{
		ID:    doc.ReviewChannelID,
		Name:  doc.ReviewChannelName,
		Found: doc.ReviewChannelID != "",
	}
}

func crossChannelOf(channelID string, entry ChannelEntry) CrossChannelPolicy {
	policy := entry.RedactionPolicy
	if policy == "" {
		policy = RedactionOff
	}
	return CrossChannelPolicy{
		ChannelID:   channelID,
		Found:       true,
		Enabled:     entry.CrossChannelTraining,
		Policy:      policy,
		LastActor:   entry.LastActor,
		LastActorAt: entry.LastActorAt,
	}
}
