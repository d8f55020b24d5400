package threading

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultReplyRootTTL      = 6 * time.Hour
	DefaultReplyRootCapacity = 4000
)

type rootEntry struct {
	messageID string
	expiresAt time.Time
}

// ReplyRootCache remembers the thread anchor of each session. Keys are
// compared after trimming and case folding. Entries expire after ttl and
// the oldest writes are evicted once capacity is exceeded.
type ReplyRootCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries *simplelru.LRU[string, rootEntry]
}

func NewReplyRootCache(ttl time.Duration, capacity int, now func() time.Time) *ReplyRootCache {
	if ttl <= 0 {
		ttl = DefaultReplyRootTTL
	}
	if capacity <= 0 {
		capacity = DefaultReplyRootCapacity
	}
	if now == nil {
		now = time.Now
	}
	// NewLRU only fails for non-positive sizes.
	entries, _ := simplelru.NewLRU[string, rootEntry](capacity, nil)
	return &ReplyRootCache{
		ttl:     ttl,
		now:     now,
		entries: entries,
	}
}

func normalizeSessionKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Remember stores the anchor for sessionKey. Precedence: explicit override,
// then the thread's parent id, then the message's own id. An empty
// candidate leaves the cache untouched.
func (c *ReplyRootCache) Remember(sessionKey string, tc Context, explicitOverride string) {
	key := normalizeSessionKey(sessionKey)
	if key == "" {
		return
	}

	candidate := strings.TrimSpace(explicitOverride)
	if candidate == "" {
		candidate = strings.TrimSpace(tc.ParentMessageID)
	}
	if candidate == "" {
		candidate = strings.TrimSpace(tc.MessageID)
	}
	if candidate == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)
	c.entries.Add(key, rootEntry{messageID: candidate, expiresAt: now.Add(c.ttl)})
}

// Get returns the remembered anchor, or "" when unknown or expired.
func (c *ReplyRootCache) Get(sessionKey string) string {
	key := normalizeSessionKey(sessionKey)
	if key == "" {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.now())
	e, ok := c.entries.Peek(key)
	if !ok {
		return ""
	}
	return e.messageID
}

// Prune drops expired entries and returns how many were removed.
func (c *ReplyRootCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(c.now())
}

func (c *ReplyRootCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *ReplyRootCache) pruneLocked(now time.Time) int {
	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && now.Before(e.expiresAt) {
			continue
		}
		c.entries.Remove(key)
		removed++
	}
	return removed
}
