package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/kansa/internal/approval"
	"github.com/harunnryd/kansa/internal/audit"
	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/daemon"
	"github.com/harunnryd/kansa/internal/ephemeral"
	"github.com/harunnryd/kansa/internal/idempotency"
	"github.com/harunnryd/kansa/internal/observe"
	"github.com/harunnryd/kansa/internal/policy"
	"github.com/harunnryd/kansa/internal/store"
	"github.com/harunnryd/kansa/internal/threading"
)

// StoresComponent opens every piece of gateway state: the durable observe
// config, the audit log and webhook dedup keys, plus the in-memory session
// registry, blocked-call sets, pending answers and reply roots.
type StoresComponent struct {
	cfg     *config.Config
	dataDir string

	policy     *policy.Store
	audit      *audit.FileLogger
	dedup      *idempotency.Store
	gate       *observe.Gate
	pending    *approval.Store
	replyRoots *threading.ReplyRootCache

	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewStoresComponent(cfg *config.Config, dataDir string) *StoresComponent {
	return &StoresComponent{cfg: cfg, dataDir: dataDir}
}

func (s *StoresComponent) Name() string {
	return "Stores"
}

func (s *StoresComponent) Dependencies() []string {
	return []string{}
}

func (s *StoresComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Stores init cancelled: %w", ctx.Err())
	default:
	}

	blockedTTL, err := config.TTLOrDefault(s.cfg.Observe.BlockedTTL, config.DefaultObserveBlockedTTL)
	if err != nil {
		return fmt.Errorf("parse observe blocked ttl: %w", err)
	}
	pendingTTL, err := config.TTLOrDefault(s.cfg.Observe.PendingTTL, config.DefaultObservePendingTTL)
	if err != nil {
		return fmt.Errorf("parse observe pending ttl: %w", err)
	}
	rootTTL, err := config.TTLOrDefault(s.cfg.ReplyRoot.TTL, config.DefaultReplyRootTTL)
	if err != nil {
		return fmt.Errorf("parse reply root ttl: %w", err)
	}
	dedupTTL, err := config.TTLOrDefault(s.cfg.Idempotency.TTL, config.DefaultIdempotencyTTL)
	if err != nil {
		return fmt.Errorf("parse idempotency ttl: %w", err)
	}

	s.policy = policy.NewStore(store.ObserveConfigPath(s.dataDir), store.FileLockConfigFrom(s.cfg.Store))
	if _, err := s.policy.Snapshot(ctx); err != nil {
		return fmt.Errorf("read observe config: %w", err)
	}

	s.audit, err = audit.NewFileLogger(store.AuditLogPath(s.dataDir), s.cfg.Observe.AuditEnabled, nil)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	s.dedup, err = idempotency.NewStore(store.IdempotencyPath(s.dataDir), dedupTTL)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}

	tools := s.cfg.Observe.MutatingTools
	if len(tools) == 0 {
		tools = config.DefaultMutatingTools
	}
	s.gate = observe.NewGate(observe.NewRegistry(nil), tools,
		observe.WithAuditLogger(s.audit),
		observe.WithBlockedStore(ephemeral.NewStore[observe.BlockedCallSet](blockedTTL)),
	)
	s.pending = approval.NewStore(pendingTTL)
	s.replyRoots = threading.NewReplyRootCache(rootTTL, s.cfg.ReplyRoot.Capacity, nil)

	s.initialized = true
	slog.Info("Stores initialized", "component", s.Name(), "data_dir", s.dataDir, "mutating_tools", len(tools))
	return nil
}

func (s *StoresComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Stores not initialized")
	}
	s.started = true
	slog.Info("Stores started", "component", s.Name())
	return nil
}

func (s *StoresComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		slog.Info("Stores not started, skipping stop", "component", s.Name())
		return nil
	}
	s.started = false
	slog.Info("Stores stopped", "component", s.Name())
	return nil
}

// Health re-reads the observe config so a corrupted or unreadable file
// shows up before the next command does, and reports how much review state
// is held.
func (s *StoresComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := daemon.LifecycleError(s.initialized, s.started); err != nil {
		return daemon.Unhealthy(s.Name(), err), nil
	}
	doc, err := s.policy.Snapshot(ctx)
	if err != nil {
		return daemon.Unhealthy(s.Name(), err), nil
	}
	return daemon.Healthy(s.Name(), map[string]int{
		"observed_channels": len(doc.ObservedChannels),
		"observed_sessions": s.gate.Registry().Len(),
		"blocked_sets":      s.gate.BlockedLen(),
		"pending_answers":   s.pending.Len(),
		"reply_roots":       s.replyRoots.Len(),
		"dedup_keys":        s.dedup.Len(),
	}), nil
}

func (s *StoresComponent) Policy() *policy.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *StoresComponent) Audit() *audit.FileLogger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audit
}

func (s *StoresComponent) Dedup() *idempotency.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dedup
}

func (s *StoresComponent) Gate() *observe.Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate
}

func (s *StoresComponent) Pending() *approval.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

func (s *StoresComponent) ReplyRoots() *threading.ReplyRootCache {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replyRoots
}
