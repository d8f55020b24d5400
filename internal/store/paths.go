package store

import (
	"path/filepath"
	"strings"

	"github.com/harunnryd/kansa/internal/config"
)

// ResolveDataDir returns the configured data dir, or ~/.kansa when empty.
func ResolveDataDir(dataDir string) (string, error) {
	if trimmed := strings.TrimSpace(dataDir); trimmed != "" {
		return config.ExpandPath(trimmed)
	}
	return config.DefaultDataDir(), nil
}

// ObserveConfigPath is the durable observe config document.
func ObserveConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "observe", "config.json")
}

// AuditLogPath is the append-only tool-call audit log.
func AuditLogPath(dataDir string) string {
	return filepath.Join(dataDir, "observe", "audit.log")
}

// IdempotencyPath stores processed webhook delivery keys.
func IdempotencyPath(dataDir string) string {
	return filepath.Join(dataDir, "webhooks", "processed_keys.json")
}

// LockPathFor returns the sidecar lock file guarding path.
func LockPathFor(path string) string {
	return path + ".lock"
}
