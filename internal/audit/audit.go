// Package audit appends one JSON line per gated tool call.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kansa/internal/logger"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

type Entry struct {
	Timestamp  time.Time       `json:"ts"`
	TraceID    string          `json:"trace_id,omitempty"`
	SessionKey string          `json:"session_key,omitempty"`
	ChannelID  string          `json:"channel_id,omitempty"`
	ToolName   string          `json:"tool"`
	Decision   string          `json:"decision"`
	Reason     string          `json:"reason,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type Filter struct {
	SessionKey string
	ToolName   string
	Decision   string
	StartTime  time.Time
	EndTime    time.Time
}

type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter *Filter) ([]*Entry, error)
}

type FileLogger struct {
	mu             sync.Mutex
	logPath        string
	enabled        bool
	redactPatterns []*regexp.Regexp
	literals       []string
}

// NewFileLogger returns a logger appending to logPath. A disabled logger
// accepts and drops every entry.
func NewFileLogger(logPath string, enabled bool, redactPatterns []string) (*FileLogger, error) {
	if !enabled {
		return &FileLogger{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}

	al := &FileLogger{
		logPath: logPath,
		enabled: true,
	}
	for _, pattern := range redactPatterns {
		if pattern == "" {
			continue
		}
		if re, err := regexp.Compile(pattern); err == nil {
			al.redactPatterns = append(al.redactPatterns, re)
		} else {
			al.literals = append(al.literals, pattern)
		}
	}
	return al, nil
}

func (al *FileLogger) Log(ctx context.Context, entry *Entry) error {
	if !al.enabled {
		return nil
	}
	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.TraceID == "" {
		entry.TraceID = logger.GetTraceID(ctx)
	}

	line, err := json.Marshal(al.redact(entry))
	if err != nil {
		slog.Error("Failed to marshal audit entry", "error", err)
		return err
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	f, err := os.OpenFile(al.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("Failed to write audit entry", "error", err)
		return err
	}
	return nil
}

func (al *FileLogger) Query(ctx context.Context, filter *Filter) ([]*Entry, error) {
	if !al.enabled {
		return []*Entry{}, nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	file, err := os.Open(al.logPath)
	if os.IsNotExist(err) {
		return []*Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("Failed to parse audit entry", "error", err)
			continue
		}
		if filter == nil || matches(&entry, filter) {
			entries = append(entries, &entry)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (al *FileLogger) redact(entry *Entry) *Entry {
	redacted := *entry
	if len(redacted.Input) == 0 {
		return &redacted
	}

	data := string(redacted.Input)
	for _, re := range al.redactPatterns {
		data = re.ReplaceAllString(data, "[REDACTED]")
	}
	for _, lit := range al.literals {
		data = strings.ReplaceAll(data, lit, "[REDACTED]")
	}
	if !json.Valid([]byte(data)) {
		quoted, _ := json.Marshal(data)
		data = string(quoted)
	}
	redacted.Input = json.RawMessage(data)
	return &redacted
}

func matches(entry *Entry, filter *Filter) bool {
	if filter.SessionKey != "" && entry.SessionKey != filter.SessionKey {
		return false
	}
	if filter.ToolName != "" && entry.ToolName != filter.ToolName {
		return false
	}
	if filter.Decision != "" && entry.Decision != filter.Decision {
		return false
	}
	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}
	return true
}
