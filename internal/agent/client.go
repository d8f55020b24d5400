// Package agent dispatches turns to a remote agent runtime over HTTP.
//
// The remote tool loop cannot call an in-process guard, so every request
// carries a hook URL. The agent must POST each tool call there before
// running it and honour the returned decision.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/logger"
)

const (
	DispatchPath = "/v1/dispatch"
	HookPath     = "/v1/hooks/before-tool-call"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

type Request struct {
	SessionKey       string   `json:"session_key"`
	ParentSessionKey string   `json:"parent_session_key,omitempty"`
	ChannelID        string   `json:"channel_id"`
	SenderID         string   `json:"sender_id,omitempty"`
	SenderName       string   `json:"sender_name,omitempty"`
	Text             string   `json:"text"`
	ThreadAnchor     string   `json:"thread_anchor,omitempty"`
	Mode             string   `json:"mode"`
	Observed         bool     `json:"observed"`
	Redispatch       bool     `json:"redispatch,omitempty"`
	ApprovedTools    []string `json:"approved_tools,omitempty"`
	HookURL          string   `json:"hook_url,omitempty"`
}

type Response struct {
	Text           string `json:"text"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
	ReplyToCurrent bool   `json:"reply_to_current,omitempty"`
}

// HookRequest is posted by the agent to HookPath before each tool call.
type HookRequest struct {
	SessionKey string          `json:"session_key"`
	ToolName   string          `json:"tool_name"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// HookResponse tells the agent whether to run the call. A blocked call is
// pending review and must not be retried.
type HookResponse struct {
	Block  bool   `json:"block"`
	Reason string `json:"reason"`
}

// Client implements gateway.Dispatcher against an agent HTTP endpoint.
type Client struct {
	baseURL string
	token   string
	hookURL string
	http    *http.Client
}

// NewClient builds a client for cfg. publicURL is this server's externally
// reachable base URL; when empty no hook URL is sent.
func NewClient(cfg config.AgentConfig, publicURL string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.InvalidInput("agent.url is required")
	}
	timeout, err := config.DurationOrDefault(cfg.Timeout, config.DefaultAgentTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse agent timeout: %w", err)
	}

	c := &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
	if publicURL = strings.TrimRight(strings.TrimSpace(publicURL), "/"); publicURL != "" {
		c.hookURL = publicURL + HookPath
	}
	return c, nil
}

func (c *Client) Dispatch(ctx context.Context, req gateway.DispatchRequest) (gateway.DispatchResult, error) {
	body, err := json.Marshal(Request{
		SessionKey:       req.SessionKey,
		ParentSessionKey: req.ParentSessionKey,
		ChannelID:        req.ChannelID,
		SenderID:         req.SenderID,
		SenderName:       req.SenderName,
		Text:             req.Text,
		ThreadAnchor:     req.ThreadAnchor,
		Mode:             string(req.Mode),
		Observed:         req.Observed,
		Redispatch:       req.Redispatch,
		ApprovedTools:    req.ApprovedTools,
		HookURL:          c.hookURL,
	})
	if err != nil {
		return gateway.DispatchResult{}, errors.Wrap(err, "encode dispatch request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+DispatchPath, bytes.NewReader(body))
	if err != nil {
		return gateway.DispatchResult{}, errors.Wrap(err, "build dispatch request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := logger.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Request-ID", traceID)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return gateway.DispatchResult{}, errors.WrapWithCategory(err, "agent dispatch", errors.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := fmt.Sprintf("agent dispatch returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return gateway.DispatchResult{}, errors.Transient(msg)
		}
		return gateway.DispatchResult{}, errors.Internal(msg)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return gateway.DispatchResult{}, errors.WrapWithCategory(err, "decode dispatch response", errors.ErrInternal)
	}

	if logger.GetSessionKey(ctx) == "" {
		ctx = logger.WithSessionKey(ctx, req.SessionKey)
	}
	logger.FromContext(ctx).Debug("Agent dispatch finished",
		"redispatch", req.Redispatch,
		"duration", time.Since(start),
	)
	return gateway.DispatchResult{
		Text:           out.Text,
		ReplyToID:      out.ReplyToID,
		ReplyToCurrent: out.ReplyToCurrent,
	}, nil
}
