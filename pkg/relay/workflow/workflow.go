// Package workflow talks to the external workflow engine that supplies
// per-session configuration, routes function calls, and persists finished
// turns.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/pkg/relay/protocol"
)

const (
	actionGetSessionConfig  = "get_session_config"
	actionRouteFunctionCall = "route_function_call"
	actionSessionConnected  = "session_connected"

	maxResponseBytes = 1 << 20
)

// SessionConfig is the configuration the workflow engine returns for one
// session token.
type SessionConfig struct {
	Success   bool            `json:"success"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Config    ModelConfig     `json:"config"`
	Raw       json.RawMessage `json:"-"`
}

// ModelConfig carries the model name plus the free-form connection config
// that gets layered over the family preset.
type ModelConfig struct {
	Model  string         `json:"model"`
	Config map[string]any `json:"config"`
}

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// routeDecision is the engine's answer to a route_function_call lookup.
type routeDecision struct {
	RouteToAgent    bool            `json:"routeToAgent"`
	AgentWebhookURL string          `json:"agentWebhookUrl"`
	FunctionCall    json.RawMessage `json:"functionCall"`
	SessionID       string          `json:"sessionId"`
	UserID          string          `json:"userId"`
}

// Client is the HTTP client for the workflow engine. The zero value is not
// usable; construct with New.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// FetchSessionConfig asks the engine for the session's model configuration.
// extra carries client-supplied user data flattened into query parameters.
func (c *Client) FetchSessionConfig(ctx context.Context, token string, extra url.Values) (*SessionConfig, error) {
	q := url.Values{}
	q.Set("action", actionGetSessionConfig)
	q.Set("session", token)
	for key, vals := range extra {
		for _, v := range vals {
			q.Add(key, v)
		}
	}

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fetch session config: %w", err)
	}

	var cfg SessionConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("fetch session config: decode: %w", err)
	}
	if !cfg.Success {
		return nil, fmt.Errorf("fetch session config: engine reported failure for token")
	}
	if strings.TrimSpace(cfg.Config.Model) == "" {
		return nil, fmt.Errorf("fetch session config: missing model")
	}
	cfg.Raw = body
	return &cfg, nil
}

// RouteFunctionCall asks the engine where call should go and, when the
// decision names an agent webhook, forwards the call there and returns the
// webhook's response body as the function result.
func (c *Client) RouteFunctionCall(ctx context.Context, token string, call FunctionCall) (map[string]any, error) {
	q := url.Values{}
	q.Set("action", actionRouteFunctionCall)
	q.Set("session", token)
	q.Set("functionName", call.Name)
	q.Set("functionId", call.ID)
	if len(call.Args) > 0 {
		args, err := json.Marshal(call.Args)
		if err != nil {
			return nil, fmt.Errorf("route function call: encode args: %w", err)
		}
		q.Set("args", string(args))
	}

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("route function call: %w", err)
	}

	var decision routeDecision
	if err := json.Unmarshal(body, &decision); err != nil {
		return nil, fmt.Errorf("route function call: decode: %w", err)
	}

	if !decision.RouteToAgent || strings.TrimSpace(decision.AgentWebhookURL) == "" {
		// The engine handled the call itself; its body is the result.
		return resultPayload(body), nil
	}

	payload, err := json.Marshal(map[string]any{
		"sessionId":    decision.SessionID,
		"userId":       decision.UserID,
		"functionCall": call,
	})
	if err != nil {
		return nil, fmt.Errorf("route function call: encode webhook payload: %w", err)
	}

	respBody, err := c.post(ctx, decision.AgentWebhookURL, payload)
	if err != nil {
		return nil, fmt.Errorf("route function call: agent webhook: %w", err)
	}
	return resultPayload(respBody), nil
}

// SaveTurn persists one finalized turn. Errors are returned for logging only;
// callers treat the operation as fire-and-forget.
func (c *Client) SaveTurn(ctx context.Context, token string, turn protocol.Turn) error {
	payload, err := json.Marshal(map[string]any{
		"session": token,
		"turn":    turn,
	})
	if err != nil {
		return fmt.Errorf("save turn: encode: %w", err)
	}
	if _, err := c.post(ctx, c.baseURL, payload); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// NotifyConnected tells the engine the session reached the model. Best
// effort; failures are logged and swallowed.
func (c *Client) NotifyConnected(ctx context.Context, token string) {
	q := url.Values{}
	q.Set("action", actionSessionConnected)
	q.Set("session", token)
	if _, err := c.get(ctx, q); err != nil {
		c.logger.Warn("workflow connect notice failed", "error", err)
	}
}

func (c *Client) get(ctx context.Context, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, target string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256))
	}
	return body, nil
}

// resultPayload shapes an arbitrary response body into the map sent back to
// the model as a function response.
func resultPayload(body []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"output": strings.TrimSpace(string(body))}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
