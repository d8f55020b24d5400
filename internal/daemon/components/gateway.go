package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/kansa/internal/agent"
	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/daemon"
	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/redact"
	"github.com/harunnryd/kansa/internal/threading"
)

type GatewayOption func(*GatewayComponent)

// WithDispatcher replaces the agent HTTP client.
func WithDispatcher(d gateway.Dispatcher) GatewayOption {
	return func(g *GatewayComponent) { g.dispatcher = d }
}

// WithRedactor replaces the configured LLM redactor.
func WithRedactor(r redact.Redactor) GatewayOption {
	return func(g *GatewayComponent) { g.redactor = r }
}

// GatewayComponent wires the stores, the agent client and the adapters into
// a gateway, then binds the adapters to it.
type GatewayComponent struct {
	cfg        *config.Config
	stores     *StoresComponent
	adapters   *AdaptersComponent
	dispatcher gateway.Dispatcher
	redactor   redact.Redactor
	gw         *gateway.Gateway

	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewGatewayComponent(cfg *config.Config, stores *StoresComponent, adapters *AdaptersComponent, opts ...GatewayOption) *GatewayComponent {
	g := &GatewayComponent{cfg: cfg, stores: stores, adapters: adapters}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GatewayComponent) Name() string {
	return "Gateway"
}

func (g *GatewayComponent) Dependencies() []string {
	return []string{"Stores", "Adapters"}
}

func (g *GatewayComponent) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	manager := g.adapters.Manager()
	if manager == nil {
		return fmt.Errorf("adapters not initialized")
	}

	if g.dispatcher == nil {
		client, err := agent.NewClient(g.cfg.Agent, g.cfg.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("build agent client: %w", err)
		}
		g.dispatcher = client
	}

	if g.redactor == nil {
		completer, err := redact.NewCompleter(ctx, g.cfg.Redact)
		if err != nil {
			return fmt.Errorf("build redactor: %w", err)
		}
		if completer != nil {
			timeout, err := config.DurationOrDefault(g.cfg.Redact.Timeout, config.DefaultRedactTimeout)
			if err != nil {
				return fmt.Errorf("parse redact timeout: %w", err)
			}
			g.redactor = redact.NewLLM(completer, timeout)
		} else {
			slog.Warn("No redaction model configured, llm redaction will fail closed", "provider", g.cfg.Redact.Provider)
		}
	}

	resolver := threading.NewResolver(slog.Default())
	baseThreading := threading.RawConfig{
		Enabled:       g.cfg.Threading.Enabled,
		ReplyToMode:   g.cfg.Threading.ReplyToMode,
		SessionScope:  g.cfg.Threading.SessionScope,
		InheritParent: g.cfg.Threading.InheritParent,
	}
	channelThreading := make(map[string]threading.RawConfig, len(g.cfg.Threading.Channels))
	for id, c := range g.cfg.Threading.Channels {
		channelThreading[id] = threading.RawConfig{
			Enabled:       c.Enabled,
			ReplyToMode:   c.ReplyToMode,
			SessionScope:  c.SessionScope,
			InheritParent: c.InheritParent,
		}
	}
	threadCfg := resolver.ResolveConfig(baseThreading)

	gw, err := gateway.New(gateway.Deps{
		Threading:        threadCfg,
		ChannelThreading: threading.NewChannelConfigs(resolver, baseThreading, channelThreading),
		Policy:           g.stores.Policy(),
		Gate:             g.stores.Gate(),
		Pending:          g.stores.Pending(),
		ReplyRoots:       g.stores.ReplyRoots(),
		Dispatcher:       g.dispatcher,
		Poster:           manager,
		Notifiers:        manager.Notifiers(),
		Redactor:         g.redactor,
	})
	if err != nil {
		return err
	}
	manager.Bind(gw)

	g.gw = gw
	g.initialized = true
	slog.Info("Gateway initialized", "component", g.Name(),
		"threading", threadCfg.Enabled,
		"session_scope", threadCfg.SessionScope,
		"threading_overrides", len(channelThreading),
		"notifiers", len(manager.Notifiers()),
	)
	return nil
}

func (g *GatewayComponent) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.initialized {
		return fmt.Errorf("Gateway not initialized")
	}
	g.started = true
	slog.Info("Gateway started", "component", g.Name())
	return nil
}

func (g *GatewayComponent) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		slog.Info("Gateway not started, skipping stop", "component", g.Name())
		return nil
	}
	g.started = false
	slog.Info("Gateway stopped", "component", g.Name())
	return nil
}

func (g *GatewayComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := daemon.LifecycleError(g.initialized, g.started); err != nil {
		return daemon.Unhealthy(g.Name(), err), nil
	}
	return daemon.Healthy(g.Name(), nil), nil
}

func (g *GatewayComponent) Gateway() *gateway.Gateway {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gw
}
