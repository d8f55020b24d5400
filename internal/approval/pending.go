// Package approval holds proposed answers that wait for a reviewer before
// they are posted.
package approval

import (
	"strings"
	"time"

	"github.com/harunnryd/kansa/internal/ephemeral"
)

const DefaultTTL = 2 * time.Hour

// Pending is a proposed answer plus the routing needed to post it once
// approved.
type Pending struct {
	RefID           string    `json:"ref_id"`
	SessionKey      string    `json:"session_key"`
	ChannelID       string    `json:"channel_id"`
	ChannelName     string    `json:"channel_name,omitempty"`
	ReviewChannelID string    `json:"review_channel_id,omitempty"`
	SenderID        string    `json:"sender_id,omitempty"`
	SenderName      string    `json:"sender_name,omitempty"`
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	ThreadAnchor    string    `json:"thread_anchor,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type Store struct {
	entries *ephemeral.Store[Pending]
}

// NewStore returns a pending-approval store. A non-positive ttl means
// DefaultTTL.
func NewStore(ttl time.Duration, opts ...ephemeral.Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{entries: ephemeral.NewStore[Pending](ttl, opts...)}
}

// Store saves p under a fresh reference id and returns it. RefID and
// ExpiresAt on p are ignored.
func (s *Store) Store(p Pending) string {
	p.RefID = ""
	p.ExpiresAt = time.Time{}
	id, _ := s.entries.Put(p)
	return id
}

// Consume returns and deletes the pending answer.
func (s *Store) Consume(refID string) (Pending, bool) {
	refID = strings.TrimSpace(refID)
	expiresAt, _ := s.entries.ExpiresAt(refID)
	p, ok := s.entries.Take(refID)
	if !ok {
		return Pending{}, false
	}
	p.RefID = refID
	p.ExpiresAt = expiresAt
	return p, true
}

// Peek returns the pending answer without consuming it.
func (s *Store) Peek(refID string) (Pending, bool) {
	refID = strings.TrimSpace(refID)
	p, ok := s.entries.Peek(refID)
	if !ok {
		return Pending{}, false
	}
	p.RefID = refID
	p.ExpiresAt, _ = s.entries.ExpiresAt(refID)
	return p, true
}

func (s *Store) Prune() int {
	return s.entries.Prune()
}

func (s *Store) Len() int {
	return s.entries.Len()
}
