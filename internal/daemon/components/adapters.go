package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/kansa/internal/adapter"
	"github.com/harunnryd/kansa/internal/command"
	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/daemon"
)

// AdaptersComponent builds the chat platform adapters. The gateway binds
// itself to them during its own Init, so they only start receiving once
// every component is initialized.
type AdaptersComponent struct {
	cfg     *config.AdaptersConfig
	stores  *StoresComponent
	opts    adapter.RuntimeOptions
	manager *adapter.RuntimeManager

	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewAdaptersComponent(cfg *config.AdaptersConfig, stores *StoresComponent, opts adapter.RuntimeOptions) *AdaptersComponent {
	return &AdaptersComponent{cfg: cfg, stores: stores, opts: opts}
}

func (a *AdaptersComponent) Name() string {
	return "Adapters"
}

func (a *AdaptersComponent) Dependencies() []string {
	return []string{"Stores"}
}

func (a *AdaptersComponent) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stores == nil || a.stores.Policy() == nil {
		return fmt.Errorf("stores not initialized")
	}

	manager, err := adapter.NewRuntimeManager(*a.cfg, adapter.Deps{
		Commands: command.NewHandler(a.stores.Policy()),
		Dedup:    a.stores.Dedup(),
	}, a.opts)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}

	a.manager = manager
	a.initialized = true
	slog.Info("Adapters initialized", "component", a.Name(), "adapters", manager.Names())
	return nil
}

func (a *AdaptersComponent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return fmt.Errorf("adapters component not initialized")
	}
	a.manager.Start(ctx)
	a.started = true
	slog.Info("Adapters started", "component", a.Name())
	return nil
}

func (a *AdaptersComponent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	err := a.manager.Stop(ctx)
	a.started = false
	if err != nil {
		return err
	}
	slog.Info("Adapters stopped", "component", a.Name())
	return nil
}

func (a *AdaptersComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := daemon.LifecycleError(a.initialized, a.started); err != nil {
		return daemon.Unhealthy(a.Name(), err), nil
	}
	if err := a.manager.Health(ctx); err != nil {
		return daemon.Unhealthy(a.Name(), err), nil
	}
	return daemon.Healthy(a.Name(), map[string]int{"adapters": len(a.manager.Names())}), nil
}

func (a *AdaptersComponent) Manager() *adapter.RuntimeManager {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.manager
}
