// Package daemon runs the gateway's components: dependency-ordered init,
// start in registration order, reverse stop, rollback of a failed startup
// and a health monitor that logs state changes.
package daemon

import (
	"context"
	"errors"
	"sort"
	"time"
)

type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

var (
	errNotInitialized = errors.New("not initialized")
	errNotStarted     = errors.New("not started")
)

// ComponentHealth is one component's health check. Counts holds the live entry counts
// of the state the component owns, e.g. pending answers.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
	Counts  map[string]int
}

func Healthy(name string, counts map[string]int) *ComponentHealth {
	return &ComponentHealth{Name: name, Healthy: true, Counts: counts}
}

func Unhealthy(name string, err error) *ComponentHealth {
	return &ComponentHealth{Name: name, Error: err}
}

// LifecycleError reports why a component cannot serve yet, or nil once it
// is initialized and started.
func LifecycleError(initialized, started bool) error {
	switch {
	case !initialized:
		return errNotInitialized
	case !started:
		return errNotStarted
	}
	return nil
}

type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}

// Report is a snapshot of the daemon and every component, in registration
// order.
type Report struct {
	Status     HealthStatus
	Uptime     time.Duration
	Components []*ComponentHealth
}

func (r Report) Healthy() bool {
	for _, c := range r.Components {
		if !c.Healthy {
			return false
		}
	}
	return true
}

// Unhealthy lists the names of failing components, sorted.
func (r Report) Unhealthy() []string {
	var names []string
	for _, c := range r.Components {
		if !c.Healthy {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}
