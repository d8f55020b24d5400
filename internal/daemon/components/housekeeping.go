package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/daemon"

	"github.com/robfig/cron/v3"
)

// HousekeepingComponent sweeps expired blocked-call sets, pending answers,
// reply roots and webhook dedup keys on a cron schedule. Lookups already
// ignore expired entries; the sweep only bounds memory.
type HousekeepingComponent struct {
	cfg     *config.ObserveConfig
	stores  *StoresComponent
	gateway *GatewayComponent

	cron     *cron.Cron
	schedule string
	lastRun  time.Time

	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewHousekeepingComponent(cfg *config.ObserveConfig, stores *StoresComponent, gw *GatewayComponent) *HousekeepingComponent {
	return &HousekeepingComponent{cfg: cfg, stores: stores, gateway: gw}
}

func (h *HousekeepingComponent) Name() string {
	return "Housekeeping"
}

func (h *HousekeepingComponent) Dependencies() []string {
	return []string{"Stores", "Gateway"}
}

func (h *HousekeepingComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	schedule := strings.TrimSpace(h.cfg.PruneSchedule)
	if schedule == "" {
		schedule = config.DefaultObservePruneSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("parse observe prune schedule %q: %w", schedule, err)
	}

	h.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := h.cron.AddFunc(schedule, h.RunOnce); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	h.schedule = schedule
	h.initialized = true
	slog.Info("Housekeeping initialized", "component", h.Name(), "schedule", schedule)
	return nil
}

// RunOnce performs one sweep.
func (h *HousekeepingComponent) RunOnce() {
	gw := h.gateway.Gateway()
	if gw == nil {
		return
	}
	stats := gw.Prune()
	dedup := 0
	if d := h.stores.Dedup(); d != nil {
		dedup = d.Prune()
	}

	h.mu.Lock()
	h.lastRun = time.Now()
	h.mu.Unlock()

	if stats.Blocked+stats.Pending+stats.ReplyRoots+dedup > 0 {
		slog.Info("Expired entries pruned",
			"blocked", stats.Blocked,
			"pending", stats.Pending,
			"reply_roots", stats.ReplyRoots,
			"dedup_keys", dedup,
		)
	}
}

func (h *HousekeepingComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("Housekeeping not initialized")
	}
	h.cron.Start()
	h.started = true
	slog.Info("Housekeeping started", "component", h.Name())
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (h *HousekeepingComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		slog.Info("Housekeeping not started, skipping stop", "component", h.Name())
		return nil
	}
	h.started = false
	done := h.cron.Stop()
	h.mu.Unlock()

	select {
	case <-done.Done():
		slog.Info("Housekeeping stopped", "component", h.Name())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("housekeeping stop: %w", ctx.Err())
	}
}

func (h *HousekeepingComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := daemon.LifecycleError(h.initialized, h.started); err != nil {
		return daemon.Unhealthy(h.Name(), err), nil
	}
	return daemon.Healthy(h.Name(), nil), nil
}

func (h *HousekeepingComponent) LastRun() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRun
}
