package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/gateway"

	"github.com/slack-go/slack"
)

// platformAdapter is an adapter that can also post replies and cards.
type platformAdapter interface {
	InputAdapter
	gateway.Poster
	gateway.Notifier
	Bind(gw Gateway)
}

type RuntimeOptions struct {
	SlackOptions    []slack.Option
	TelegramOptions []TelegramOption
}

// RuntimeManager owns the configured platform adapters. It is built before
// the gateway so it can hand over notifiers and a poster, then bound to the
// gateway with Bind.
type RuntimeManager struct {
	mu       sync.RWMutex
	slack    *SlackAdapter
	adapters []platformAdapter
	log      *LogNotifier
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewRuntimeManager(cfg config.AdaptersConfig, deps Deps, opts RuntimeOptions) (*RuntimeManager, error) {
	m := &RuntimeManager{log: NewLogNotifier()}

	if cfg.Slack.Enabled {
		if strings.TrimSpace(cfg.Slack.SigningSecret) == "" {
			return nil, fmt.Errorf("adapters.slack.signing_secret is required when slack adapter is enabled")
		}
		if strings.TrimSpace(cfg.Slack.BotToken) == "" {
			return nil, fmt.Errorf("adapters.slack.bot_token is required when slack adapter is enabled")
		}
		m.slack = NewSlackAdapter(cfg.Slack, deps, opts.SlackOptions...)
		m.adapters = append(m.adapters, m.slack)
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
			return nil, fmt.Errorf("adapters.telegram.bot_token is required when telegram adapter is enabled")
		}
		m.adapters = append(m.adapters, NewTelegramAdapter(cfg.Telegram, deps, opts.TelegramOptions...))
	}

	return m, nil
}

// Bind forwards inbound events and reviewer decisions to gw.
func (m *RuntimeManager) Bind(gw Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.adapters {
		a.Bind(gw)
	}
}

// Routes mounts webhook endpoints of HTTP-driven adapters.
func (m *RuntimeManager) Routes(mux *http.ServeMux) {
	if m.slack != nil {
		m.slack.Routes(mux)
	}
}

// Names lists the enabled platform adapters.
func (m *RuntimeManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.adapters))
	for i, a := range m.adapters {
		names[i] = a.Name()
	}
	return names
}

// Notifiers returns every review surface, the log notifier last.
func (m *RuntimeManager) Notifiers() []gateway.Notifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]gateway.Notifier, 0, len(m.adapters)+1)
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return append(out, m.log)
}

// Post routes an outbound message to the adapter of its platform.
func (m *RuntimeManager) Post(ctx context.Context, msg gateway.OutboundMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.adapters {
		if a.Name() == msg.Platform {
			return a.Post(ctx, msg)
		}
	}
	return errors.InvalidInput("no adapter for platform " + msg.Platform)
}

func (m *RuntimeManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	adapters := make([]platformAdapter, len(m.adapters))
	copy(adapters, m.adapters)
	m.mu.Unlock()

	for _, a := range adapters {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			slog.Info("Starting input adapter", "adapter", a.Name())
			if err := a.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Input adapter stopped with error", "adapter", a.Name(), "error", err)
			}
		}()
	}
}

func (m *RuntimeManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	adapters := make([]platformAdapter, len(m.adapters))
	copy(adapters, m.adapters)
	m.mu.Unlock()

	var errs []string
	for _, a := range adapters {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", a.Name(), err))
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, "timed out waiting for adapters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to stop adapters: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (m *RuntimeManager) Health(ctx context.Context) error {
	m.mu.RLock()
	adapters := make([]platformAdapter, len(m.adapters))
	copy(adapters, m.adapters)
	m.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Health(ctx); err != nil {
			return fmt.Errorf("adapter %s unhealthy: %w", a.Name(), err)
		}
	}
	return nil
}
