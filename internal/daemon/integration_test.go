package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/harunnryd/kansa/internal/adapter"
	"github.com/harunnryd/kansa/internal/agent"
	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/daemon"
	"github.com/harunnryd/kansa/internal/daemon/components"
	"github.com/harunnryd/kansa/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, req gateway.DispatchRequest) (gateway.DispatchResult, error) {
	return gateway.DispatchResult{Text: req.Text}, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestDaemon(t *testing.T, port int) *daemon.Daemon {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Port: port},
		Store:  config.StoreConfig{DataDir: t.TempDir()},
		Observe: config.ObserveConfig{
			MutatingTools: []string{"Write"},
			PruneSchedule: "@every 1m",
		},
		Daemon: config.DaemonConfig{
			ShutdownTimeout:     "5s",
			HealthCheckInterval: "100ms",
		},
	}

	d, err := daemon.NewDaemon(cfg)
	require.NoError(t, err)

	stores := components.NewStoresComponent(cfg, d.DataDir())
	adapters := components.NewAdaptersComponent(&cfg.Adapters, stores, adapter.RuntimeOptions{})
	gw := components.NewGatewayComponent(cfg, stores, adapters, components.WithDispatcher(echoDispatcher{}))

	// Registration order is start order; init order follows dependencies.
	d.AddComponent(components.NewHTTPServerComponent(d, &cfg.Server, gw, adapters))
	d.AddComponent(components.NewHousekeepingComponent(&cfg.Observe, stores, gw))
	d.AddComponent(stores)
	d.AddComponent(adapters)
	d.AddComponent(gw)
	return d
}

func waitHealthy(t *testing.T, base string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Status string `json:"status"`
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil && body.Status == "ok"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDaemonFullLifecycle(t *testing.T) {
	port := freePort(t)
	d := newTestDaemon(t, port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitHealthy(t, base)
	require.Eventually(t, func() bool { return d.Health() == daemon.StatusRunning }, time.Second, 10*time.Millisecond)
	report := d.Report(ctx)
	assert.Empty(t, report.Unhealthy())
	for _, h := range report.Components {
		assert.True(t, h.Healthy, "%s: %v", h.Name, h.Error)
		if h.Name == "Stores" {
			assert.Contains(t, h.Counts, "pending_answers")
		}
	}

	body, err := json.Marshal(agent.HookRequest{SessionKey: "slack:C1", ToolName: "Write"})
	require.NoError(t, err)
	resp, err := http.Post(base+agent.HookPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hook agent.HookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hook))
	assert.False(t, hook.Block, "unobserved sessions are never blocked")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	assert.Equal(t, daemon.StatusStopped, d.Health())

	_, err = http.Get(base + "/health")
	assert.Error(t, err, "listener must be closed after shutdown")
}

func TestDaemonStartFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	d := newTestDaemon(t, ln.Addr().(*net.TCPAddr).Port)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = d.Start(ctx)
	assert.ErrorContains(t, err, "component startup failed")
	assert.Equal(t, daemon.StatusStopped, d.Health())
}

func TestDaemonInitFailureRollsBack(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{Port: freePort(t)},
		Store:  config.StoreConfig{DataDir: t.TempDir()},
		Observe: config.ObserveConfig{PruneSchedule: "not a schedule"},
	}
	d, err := daemon.NewDaemon(cfg)
	require.NoError(t, err)

	stores := components.NewStoresComponent(cfg, d.DataDir())
	adapters := components.NewAdaptersComponent(&cfg.Adapters, stores, adapter.RuntimeOptions{})
	gw := components.NewGatewayComponent(cfg, stores, adapters, components.WithDispatcher(echoDispatcher{}))
	d.AddComponent(stores)
	d.AddComponent(adapters)
	d.AddComponent(gw)
	d.AddComponent(components.NewHousekeepingComponent(&cfg.Observe, stores, gw))

	err = d.Start(context.Background())
	assert.ErrorContains(t, err, "component initialization failed")
	assert.Equal(t, daemon.StatusStopped, d.Health())
}
