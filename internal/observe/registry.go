// Package observe gates mutating tool calls in channels that run under
// reviewer oversight.
//
// A dispatch in an observed channel marks its session key in the Registry.
// While marked, the Gate blocks every mutating tool call that has not been
// approved and accumulates one entry per distinct tool name. After the
// dispatch the accumulated calls are snapshotted under a reference id so a
// single review card can be rendered; approving that card whitelists the
// tool names for the re-dispatch.
package observe

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Session is the routing metadata of one dispatch under observation.
type Session struct {
	Key             string `json:"session_key"`
	ChannelID       string `json:"channel_id"`
	ChannelName     string `json:"channel_name,omitempty"`
	ReviewChannelID string `json:"review_channel_id,omitempty"`
	SenderID        string `json:"sender_id,omitempty"`
	SenderName      string `json:"sender_name,omitempty"`
	Question        string `json:"question,omitempty"`
	ThreadAnchor    string `json:"thread_anchor,omitempty"`
	// MessageID, ParentMessageID and ThreadReply are the inbound thread
	// context, replayed when an approval re-dispatches the question.
	MessageID        string    `json:"message_id,omitempty"`
	ParentMessageID  string    `json:"parent_message_id,omitempty"`
	ThreadReply      bool      `json:"thread_reply,omitempty"`
	ParentSessionKey string    `json:"parent_session_key,omitempty"`
	Silent           bool      `json:"silent"`
	MarkedAt         time.Time `json:"marked_at"`
}

// BlockedTool is one distinct mutating call seen during a dispatch. Params
// are those of the first call with this name.
type BlockedTool struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

type sessionState struct {
	session Session
	blocked []BlockedTool
	seen    map[string]struct{}
}

type verdict int

const (
	verdictAllowNoSession verdict = iota
	verdictAllowApproved
	verdictBlocked
)

// Registry tracks which session keys are currently observed, what each has
// had blocked and which tool names a reviewer has approved.
type Registry struct {
	mu        sync.Mutex
	now       func() time.Time
	sessions  map[string]*sessionState
	approvals map[string]map[string]struct{}
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:       now,
		sessions:  make(map[string]*sessionState),
		approvals: make(map[string]map[string]struct{}),
	}
}

// Mark starts (or restarts) observation of key. Re-marking drops the
// blocked calls accumulated by the previous dispatch; approvals survive so
// an approved re-dispatch can proceed.
func (r *Registry) Mark(key string, s Session) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	s.Key = key
	if s.MarkedAt.IsZero() {
		s.MarkedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[key] = &sessionState{
		session: s,
		seen:    make(map[string]struct{}),
	}
}

// Len counts sessions under observation.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Clear ends observation of key and forgets its approvals and blocked calls.
func (r *Registry) Clear(key string) {
	key = strings.TrimSpace(key)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
	delete(r.approvals, key)
}

// Get returns the live session for key.
func (r *Registry) Get(key string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[strings.TrimSpace(key)]
	if !ok {
		return Session{}, false
	}
	return st.session, true
}

func (r *Registry) Active(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// MarkToolsApproved replaces the approved tool set of key.
func (r *Registry) MarkToolsApproved(key string, toolNames []string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	set := make(map[string]struct{}, len(toolNames))
	for _, name := range toolNames {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals[key] = set
}

// ApprovedTools lists the currently approved tool names of key.
func (r *Registry) ApprovedTools(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.approvals[strings.TrimSpace(key)]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// BlockedTools returns a copy of the calls accumulated for key.
func (r *Registry) BlockedTools(key string) []BlockedTool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[strings.TrimSpace(key)]
	if !ok {
		return nil
	}
	return cloneBlocked(st.blocked)
}

// evaluate checks a mutating call against key's session and approvals and
// records it when blocked, in one critical section.
func (r *Registry) evaluate(key, toolName string, params json.RawMessage) (Session, verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[key]
	if !ok {
		return Session{}, verdictAllowNoSession
	}
	if _, approved := r.approvals[key][toolName]; approved {
		return st.session, verdictAllowApproved
	}

	if _, dup := st.seen[toolName]; !dup {
		st.seen[toolName] = struct{}{}
		st.blocked = append(st.blocked, BlockedTool{Name: toolName, Params: cloneParams(params)})
	}
	return st.session, verdictBlocked
}

// snapshot returns the session and its blocked calls when there is
// anything to review.
func (r *Registry) snapshot(key string) (Session, []BlockedTool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[key]
	if !ok || len(st.blocked) == 0 {
		return Session{}, nil, false
	}
	return st.session, cloneBlocked(st.blocked), true
}

func cloneParams(params json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}

func cloneBlocked(in []BlockedTool) []BlockedTool {
	if len(in) == 0 {
		return nil
	}
	out := make([]BlockedTool, len(in))
	for i, b := range in {
		out[i] = BlockedTool{Name: b.Name, Params: cloneParams(b.Params)}
	}
	return out
}
