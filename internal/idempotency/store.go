// Package idempotency remembers processed webhook deliveries so platform
// retries are acknowledged without running twice.
package idempotency

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	kerrors "github.com/harunnryd/kansa/internal/errors"

	"github.com/natefinch/atomic"
)

const DefaultTTL = time.Hour

type processedKeys struct {
	Keys map[string]int64 `json:"keys"`
}

// Store maps delivery keys to their expiry as unix seconds. It is written
// through on every new key.
type Store struct {
	path  string
	ttl   time.Duration
	now   func() time.Time
	state processedKeys
	mu    sync.Mutex
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore loads path, or starts empty when it is missing or unreadable as
// JSON. A non-positive ttl means DefaultTTL.
func NewStore(path string, ttl time.Duration, opts ...Option) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		path:  path,
		ttl:   ttl,
		now:   time.Now,
		state: processedKeys{Keys: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return kerrors.WrapWithCategory(err, "read processed keys", kerrors.ErrTransient)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var state processedKeys
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("Processed keys file is corrupt, starting empty", "path", s.path, "error", err)
		return nil
	}
	if state.Keys != nil {
		s.state = state
	}
	return nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return kerrors.WrapWithCategory(err, "encode processed keys", kerrors.ErrInternal)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return kerrors.WrapWithCategory(err, "create processed keys dir", kerrors.ErrTransient)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return kerrors.WrapWithCategory(err, "write processed keys", kerrors.ErrTransient)
	}
	return nil
}

// CheckAndMark reports whether key was already seen within the TTL, and
// records it otherwise. A duplicate returns kerrors.ErrDuplicateEvent.
// Expired keys are swept on every new mark.
func (s *Store) CheckAndMark(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return kerrors.InvalidInput("idempotency key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	if expiry, ok := s.state.Keys[key]; ok && expiry > now {
		return kerrors.ErrDuplicateEvent
	}

	s.pruneLocked(now)
	s.state.Keys[key] = now + int64(s.ttl.Seconds())
	if err := s.save(); err != nil {
		delete(s.state.Keys, key)
		return err
	}
	return nil
}

// Forget drops key so a failed delivery can be retried.
func (s *Store) Forget(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Keys[key]; !ok {
		return nil
	}
	delete(s.state.Keys, key)
	return s.save()
}

func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now().Unix())
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Keys)
}

func (s *Store) pruneLocked(now int64) int {
	count := 0
	for k, expiry := range s.state.Keys {
		if expiry <= now {
			delete(s.state.Keys, k)
			count++
		}
	}
	return count
}
