package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Store       StoreConfig       `koanf:"store"`
	Observe     ObserveConfig     `koanf:"observe"`
	Threading   ThreadingConfig   `koanf:"threading"`
	ReplyRoot   ReplyRootConfig   `koanf:"reply_root"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Adapters    AdaptersConfig    `koanf:"adapters"`
	Redact      RedactConfig      `koanf:"redact"`
	Agent       AgentConfig       `koanf:"agent"`
	Daemon      DaemonConfig      `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	// APIToken guards the /v1 API when set.
	APIToken string `koanf:"api_token"`
	// PublicURL is the base URL the agent calls back for tool hooks.
	PublicURL string `koanf:"public_url"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
}

type StoreConfig struct {
	DataDir      string `koanf:"data_dir"`
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
}

type ObserveConfig struct {
	MutatingTools []string `koanf:"mutating_tools"`
	BlockedTTL    string   `koanf:"blocked_ttl"`
	PendingTTL    string   `koanf:"pending_ttl"`
	AuditEnabled  bool     `koanf:"audit_enabled"`
	PruneSchedule string   `koanf:"prune_schedule"`
}

// ThreadingConfig is the raw threading section. Pointer fields stay nil when
// the key is absent so the resolver can tell "unset" from "set to zero".
type ThreadingConfig struct {
	Enabled       *bool   `koanf:"enabled" yaml:"enabled,omitempty"`
	ReplyToMode   *string `koanf:"reply_to_mode" yaml:"reply_to_mode,omitempty"`
	SessionScope  *string `koanf:"session_scope" yaml:"session_scope,omitempty"`
	InheritParent *bool   `koanf:"inherit_parent" yaml:"inherit_parent,omitempty"`
	// Channels overrides keys per channel id; unset keys fall back to the
	// section above.
	Channels map[string]ThreadingChannelConfig `koanf:"channels" yaml:"channels,omitempty"`
}

type ThreadingChannelConfig struct {
	Enabled       *bool   `koanf:"enabled" yaml:"enabled,omitempty"`
	ReplyToMode   *string `koanf:"reply_to_mode" yaml:"reply_to_mode,omitempty"`
	SessionScope  *string `koanf:"session_scope" yaml:"session_scope,omitempty"`
	InheritParent *bool   `koanf:"inherit_parent" yaml:"inherit_parent,omitempty"`
}

type ReplyRootConfig struct {
	TTL      string `koanf:"ttl"`
	Capacity int    `koanf:"capacity"`
}

type IdempotencyConfig struct {
	TTL string `koanf:"ttl"`
}

type AdaptersConfig struct {
	Slack    SlackConfig    `koanf:"slack"`
	Telegram TelegramConfig `koanf:"telegram"`
}

type SlackConfig struct {
	Enabled       bool   `koanf:"enabled"`
	SigningSecret string `koanf:"signing_secret"`
	BotToken      string `koanf:"bot_token"`
}

type TelegramConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BotToken      string `koanf:"bot_token"`
	ReviewChatID  int64  `koanf:"review_chat_id"`
	UpdateTimeout int    `koanf:"update_timeout"`
}

// AgentConfig points at the agent runtime requests are dispatched to.
type AgentConfig struct {
	URL     string `koanf:"url"`
	Token   string `koanf:"token"`
	Timeout string `koanf:"timeout"`
}

type RedactConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
	Timeout  string `koanf:"timeout"`
}

const (
	DefaultServerPort            = 8080
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "10s"
	DefaultServerWriteTimeout    = "10s"
	DefaultServerIdleTimeout     = "60s"
	DefaultServerShutdownTimeout = "5s"
	DefaultStoreLockTimeout      = "10s"
	DefaultStoreLockRetry        = "50ms"
	DefaultStoreLockMaxRetry     = 200
	DefaultObserveBlockedTTL     = "30m"
	DefaultObservePendingTTL     = "2h"
	DefaultObserveAuditEnabled   = true
	DefaultObservePruneSchedule  = "@every 5m"
	DefaultReplyRootTTL          = "6h"
	DefaultReplyRootCapacity     = 4000
	DefaultIdempotencyTTL        = "1h"
	DefaultRedactProvider        = "openai"
	DefaultRedactModel           = "gpt-4o-mini"
	DefaultRedactAnthropicModel  = "claude-3-5-haiku-latest"
	DefaultRedactGeminiModel     = "gemini-2.0-flash"
	DefaultRedactTimeout         = "30s"
	DefaultTelegramUpdateTimeout = 30
	DefaultAgentTimeout          = "120s"

	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonPreflightTimeout       = "10s"
)

// DefaultMutatingTools is the tool set gated in observed channels.
var DefaultMutatingTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit", "Bash", "exec_command", "apply_patch", "message_send"}

// DefaultDataDir is where durable state lives when store.data_dir is unset.
func DefaultDataDir() string {
	return filepath.Join(os.Getenv("HOME"), ".kansa")
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                      DefaultServerPort,
		"server.log_level":                 DefaultServerLogLevel,
		"server.read_timeout":              DefaultServerReadTimeout,
		"server.write_timeout":             DefaultServerWriteTimeout,
		"server.idle_timeout":              DefaultServerIdleTimeout,
		"server.shutdown_timeout":          DefaultServerShutdownTimeout,
		"store.data_dir":                   DefaultDataDir(),
		"store.lock_timeout":               DefaultStoreLockTimeout,
		"store.lock_retry":                 DefaultStoreLockRetry,
		"store.lock_max_retry":             DefaultStoreLockMaxRetry,
		"observe.mutating_tools":           DefaultMutatingTools,
		"observe.blocked_ttl":              DefaultObserveBlockedTTL,
		"observe.pending_ttl":              DefaultObservePendingTTL,
		"observe.audit_enabled":            DefaultObserveAuditEnabled,
		"observe.prune_schedule":           DefaultObservePruneSchedule,
		"reply_root.ttl":                   DefaultReplyRootTTL,
		"reply_root.capacity":              DefaultReplyRootCapacity,
		"idempotency.ttl":                  DefaultIdempotencyTTL,
		"redact.provider":                  DefaultRedactProvider,
		"redact.timeout":                   DefaultRedactTimeout,
		"adapters.telegram.update_timeout": DefaultTelegramUpdateTimeout,
		"agent.timeout":                    DefaultAgentTimeout,
		"daemon.shutdown_timeout":          DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":     DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":  DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":         DefaultDaemonPreflightTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kansa", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	k.Load(env.Provider("KANSA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KANSA_")), "_", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	dataDir, err := ExpandPath(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Store.DataDir = dataDir
	}

	if cfg.Adapters.Slack.BotToken == "" {
		cfg.Adapters.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if cfg.Adapters.Slack.SigningSecret == "" {
		cfg.Adapters.Slack.SigningSecret = os.Getenv("SLACK_SIGNING_SECRET")
	}
	if cfg.Adapters.Telegram.BotToken == "" {
		cfg.Adapters.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Redact.Model == "" {
		cfg.Redact.Model = redactModelFor(cfg.Redact.Provider)
	}
	if cfg.Redact.APIKey == "" {
		cfg.Redact.APIKey = os.Getenv(redactKeyEnv(cfg.Redact.Provider))
	}

	return &cfg, nil
}

func redactKeyEnv(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

func redactModelFor(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return DefaultRedactAnthropicModel
	case "gemini":
		return DefaultRedactGeminiModel
	default:
		return DefaultRedactModel
	}
}
