package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/store"
)

// Daemon owns component lifecycle. Components start in registration order
// and stop in reverse; Init follows declared dependencies.
type Daemon struct {
	cfg     *config.Config
	dataDir string
	created time.Time

	mu          sync.RWMutex
	components  []Component
	initialized []Component
	started     []Component
	status      HealthStatus
}

// timeouts are the daemon's parsed duration settings.
type timeouts struct {
	shutdown        time.Duration
	startupShutdown time.Duration
	healthInterval  time.Duration
	preflight       time.Duration
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	dataDir, err := store.ResolveDataDir(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return &Daemon{
		cfg:     cfg,
		dataDir: dataDir,
		created: time.Now(),
		status:  StatusStarting,
	}, nil
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	slog.Debug("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// Start runs the gateway until ctx is cancelled or the process receives
// SIGINT/SIGTERM. It returns ctx's error after a clean shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := d.parseTimeouts()
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := d.preflight(ctx, t.preflight); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(ctx)
		return fmt.Errorf("component initialization failed: %w", err)
	}
	if err := d.startComponents(ctx); err != nil {
		if stopErr := d.shutdown(t.startupShutdown); stopErr != nil {
			slog.Error("Cleanup after failed startup incomplete", "error", stopErr)
		}
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setStatus(StatusRunning)
	slog.Info("Kansa daemon is running", "data_dir", d.dataDir, "components", len(d.components))

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	go d.monitorHealth(monitorCtx, t.healthInterval)

	<-ctx.Done()
	stopMonitor()

	slog.Info("Shutting down", "reason", context.Cause(ctx))
	d.setStatus(StatusStopping)
	if err := d.shutdown(t.shutdown); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Daemon) DataDir() string {
	return d.dataDir
}

// Uptime is the time since the daemon was created.
func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.created)
}

// Report asks every component for its health. A Health error marks the
// component unhealthy.
func (d *Daemon) Report(ctx context.Context) Report {
	d.mu.RLock()
	components := append([]Component(nil), d.components...)
	status := d.status
	d.mu.RUnlock()

	report := Report{Status: status, Uptime: d.Uptime(), Components: make([]*ComponentHealth, 0, len(components))}
	for _, comp := range components {
		health, err := comp.Health(ctx)
		if health == nil {
			health = &ComponentHealth{}
		}
		health.Name = comp.Name()
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		report.Components = append(report.Components, health)
	}
	return report
}

func (d *Daemon) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Daemon) setStatus(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func (d *Daemon) parseTimeouts() (timeouts, error) {
	var t timeouts
	for _, f := range []struct {
		key   string
		value string
		def   string
		dst   *time.Duration
	}{
		{"daemon.shutdown_timeout", d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout, &t.shutdown},
		{"daemon.startup_shutdown_timeout", d.cfg.Daemon.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout, &t.startupShutdown},
		{"daemon.health_check_interval", d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval, &t.healthInterval},
		{"daemon.preflight_timeout", d.cfg.Daemon.PreflightTimeout, config.DefaultDaemonPreflightTimeout, &t.preflight},
	} {
		v, err := config.DurationOrDefault(f.value, f.def)
		if err != nil {
			return timeouts{}, fmt.Errorf("parse %s: %w", f.key, err)
		}
		*f.dst = v
	}
	return t, nil
}

func (d *Daemon) validateConfig() error {
	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port)
	}
	if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// preflight checks that the data dir takes writes and that the observe
// config lock can be taken within the store's lock budget. A lock wedged by
// another process or a filesystem without flock fails here rather than on
// the first slash command.
func (d *Daemon) preflight(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmp, err := os.CreateTemp(d.dataDir, ".preflight-*")
	if err != nil {
		return fmt.Errorf("data dir %s is not writable: %w", d.dataDir, err)
	}
	tmp.Close()
	if err := os.Remove(tmp.Name()); err != nil {
		slog.Warn("Failed to remove preflight file", "path", tmp.Name(), "error", err)
	}

	configPath := store.ObserveConfigPath(d.dataDir)
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create observe config dir: %w", err)
	}
	lock, err := store.NewFileLock(ctx, store.LockPathFor(configPath), store.FileLockConfigFrom(d.cfg.Store))
	if err != nil {
		return fmt.Errorf("observe config lock: %w", err)
	}
	lock.Unlock()

	slog.Info("Pre-init checks passed", "data_dir", d.dataDir, "observe_config", configPath)
	return nil
}

// initOrder sorts components so each follows its dependencies. Ties keep
// registration order.
func (d *Daemon) initOrder() ([]Component, error) {
	index := make(map[string]int, len(d.components))
	for i, c := range d.components {
		if _, dup := index[c.Name()]; dup {
			return nil, fmt.Errorf("component %s registered twice", c.Name())
		}
		index[c.Name()] = i
	}

	waiting := make([]int, len(d.components))
	dependents := make([][]int, len(d.components))
	for i, c := range d.components {
		for _, dep := range c.Dependencies() {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("component %s depends on %s which is not registered", c.Name(), dep)
			}
			waiting[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(d.components))
	order := make([]Component, 0, len(d.components))
	for len(order) < len(d.components) {
		next := -1
		for i := range d.components {
			if !done[i] && waiting[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, c := range d.components {
				if !done[i] {
					stuck = append(stuck, c.Name())
				}
			}
			return nil, fmt.Errorf("circular dependency among %s", strings.Join(stuck, ", "))
		}
		done[next] = true
		order = append(order, d.components[next])
		for _, i := range dependents[next] {
			waiting[i]--
		}
	}
	return order, nil
}

func (d *Daemon) initializeComponents(ctx context.Context) error {
	order, err := d.initOrder()
	if err != nil {
		return err
	}
	names := make([]string, len(order))
	for i, c := range order {
		names[i] = c.Name()
	}
	slog.Info("Initializing components", "order", names)

	for _, comp := range order {
		if err := comp.Init(ctx); err != nil {
			return fmt.Errorf("component %s init failed: %w", comp.Name(), err)
		}
		d.mu.Lock()
		d.initialized = append(d.initialized, comp)
		d.mu.Unlock()
	}
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	d.mu.RLock()
	components := append([]Component(nil), d.components...)
	d.mu.RUnlock()

	for _, comp := range components {
		if err := comp.Start(ctx); err != nil {
			return fmt.Errorf("component %s startup failed: %w", comp.Name(), err)
		}
		d.mu.Lock()
		d.started = append(d.started, comp)
		d.mu.Unlock()
	}
	slog.Info("All components started", "count", len(components))
	return nil
}

// shutdown stops the started components within timeout.
func (d *Daemon) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.stopStarted(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown completed with errors", "error", err)
		} else {
			slog.Info("Shutdown complete")
		}
		return err
	case <-ctx.Done():
		d.setStatus(StatusStopped)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// stopStarted stops every started component in reverse start order and
// joins their errors.
func (d *Daemon) stopStarted(ctx context.Context) error {
	d.mu.Lock()
	started := d.started
	d.started = nil
	d.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		comp := started[i]
		if err := comp.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", comp.Name(), err))
		}
	}
	d.setStatus(StatusStopped)
	return errors.Join(errs...)
}

// rollback releases components whose Init succeeded before a later Init
// failed. None of them were started.
func (d *Daemon) rollback(ctx context.Context) {
	d.mu.Lock()
	initialized := d.initialized
	d.initialized = nil
	d.mu.Unlock()

	for i := len(initialized) - 1; i >= 0; i-- {
		comp := initialized[i]
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Rollback failed", "component", comp.Name(), "error", err)
		}
	}
	d.setStatus(StatusStopped)
	slog.Warn("Startup rolled back", "components", len(initialized))
}

func (d *Daemon) monitorHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := map[string]string{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failing = d.logHealthChanges(ctx, failing)
		}
	}
}

// logHealthChanges logs components that turned unhealthy, changed error or
// recovered since the previous check, and returns the current failures.
func (d *Daemon) logHealthChanges(ctx context.Context, prev map[string]string) map[string]string {
	report := d.Report(ctx)
	failing := make(map[string]string)
	for _, c := range report.Components {
		prevErr, wasFailing := prev[c.Name]
		if c.Healthy {
			if wasFailing {
				slog.Info("Component recovered", "component", c.Name)
			}
			continue
		}
		msg := "unhealthy"
		if c.Error != nil {
			msg = c.Error.Error()
		}
		failing[c.Name] = msg
		if !wasFailing || prevErr != msg {
			slog.Warn("Component unhealthy", "component", c.Name, "error", msg)
		}
	}
	return failing
}
