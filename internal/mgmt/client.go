// Package mgmt wraps the management REST backend: agent and function configs,
// credit balance and deduction, call logs, and knowledge search. It is the
// bridge's only HTTP dependency on the platform and is shared process-wide.
package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors callers branch on.
var (
	// ErrNotFound covers 404s from any endpoint.
	ErrNotFound = errors.New("mgmt: not found")

	// ErrAgentInactive marks an agent that exists but must not take calls.
	ErrAgentInactive = errors.New("mgmt: agent is inactive")
)

const (
	controlTimeout   = 5 * time.Second
	knowledgeTimeout = 15 * time.Second

	apiKeyHeader = "X-API-Key"
	tenantHeader = "X-Tenant-ID"

	// MaxKnowledgeTopK caps how many chunks a single search may request.
	MaxKnowledgeTopK = 10
)

// Client talks to the management backend. Control-plane calls use a short
// timeout; knowledge search gets a longer one because retrieval is slow and
// the model has already spoken a filler phrase.
type Client struct {
	baseURL   string
	apiKey    string
	control   *http.Client
	knowledge *http.Client
}

// NewClient creates a Client for the backend at baseURL, authenticating every
// request with the shared secret.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		control:   &http.Client{Timeout: controlTimeout},
		knowledge: &http.Client{Timeout: knowledgeTimeout},
	}
}

// Agent fetches the agent record. Inactive agents are rejected here so no
// caller ever sees a config it must not use.
func (c *Client) Agent(ctx context.Context, agentID string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := c.do(ctx, c.control, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, nil, &cfg); err != nil {
		return nil, fmt.Errorf("mgmt: fetch agent %s: %w", agentID, err)
	}
	if !cfg.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAgentInactive, agentID)
	}
	return &cfg, nil
}

// AgentFunctions fetches the agent's function specs. Inactive specs are
// filtered out.
func (c *Client) AgentFunctions(ctx context.Context, agentID string) ([]FunctionSpec, error) {
	var specs []FunctionSpec
	if err := c.do(ctx, c.control, http.MethodGet, "/functions/agent/"+url.PathEscape(agentID), nil, nil, &specs); err != nil {
		return nil, fmt.Errorf("mgmt: fetch functions for agent %s: %w", agentID, err)
	}
	active := specs[:0]
	for _, s := range specs {
		if s.IsActive {
			active = append(active, s)
		}
	}
	return active, nil
}

// Balance returns the tenant's current credit balance in USD.
func (c *Client) Balance(ctx context.Context, tenantID string) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	headers := map[string]string{tenantHeader: tenantID}
	if err := c.do(ctx, c.control, http.MethodGet, "/credits/balance", headers, nil, &out); err != nil {
		return 0, fmt.Errorf("mgmt: fetch balance for tenant %s: %w", tenantID, err)
	}
	return out.Balance, nil
}

// Deduct charges the final call cost and returns the remaining balance.
func (c *Client) Deduct(ctx context.Context, req DeductRequest) (float64, error) {
	var out struct {
		BalanceAfter float64 `json:"balance_after"`
	}
	if err := c.do(ctx, c.control, http.MethodPost, "/credits/deduct", nil, req, &out); err != nil {
		return 0, fmt.Errorf("mgmt: deduct %.4f for tenant %s: %w", req.Amount, req.TenantID, err)
	}
	return out.BalanceAfter, nil
}

// CreateCallLog opens the call-log record and returns its id.
func (c *Client) CreateCallLog(ctx context.Context, req CreateCallLogRequest) (string, error) {
	var out struct {
		ID json.Number `json:"id"`
	}
	if err := c.do(ctx, c.control, http.MethodPost, "/calls/create", nil, req, &out); err != nil {
		return "", fmt.Errorf("mgmt: create call log for session %s: %w", req.SessionID, err)
	}
	return out.ID.String(), nil
}

// UpdateCallLog applies the finalize update, keyed by session id.
func (c *Client) UpdateCallLog(ctx context.Context, sessionID string, upd CallLogUpdate) error {
	if err := c.do(ctx, c.control, http.MethodPut, "/calls/"+url.PathEscape(sessionID), nil, upd, nil); err != nil {
		return fmt.Errorf("mgmt: update call log for session %s: %w", sessionID, err)
	}
	return nil
}

// RecordFunctionCall attaches one tool-call analytics row to a call log.
func (c *Client) RecordFunctionCall(ctx context.Context, callLogID string, rec FunctionCallRecord) error {
	if err := c.do(ctx, c.control, http.MethodPost, "/calls/"+url.PathEscape(callLogID)+"/functions", nil, rec, nil); err != nil {
		return fmt.Errorf("mgmt: record function call %s: %w", rec.Name, err)
	}
	return nil
}

// SearchKnowledge queries the agent's knowledge base. topK outside [1,10] is
// clamped; no retries because tool-response latency matters more than
// completeness.
func (c *Client) SearchKnowledge(ctx context.Context, kbID, query string, topK int) (*KnowledgeResult, error) {
	if topK < 1 || topK > MaxKnowledgeTopK {
		topK = MaxKnowledgeTopK
	}
	body := map[string]any{"query": query, "top_k": topK}

	var out KnowledgeResult
	if err := c.do(ctx, c.knowledge, http.MethodPost, "/knowledge/"+url.PathEscape(kbID)+"/search", nil, body, &out); err != nil {
		return nil, fmt.Errorf("mgmt: search knowledge base %s: %w", kbID, err)
	}
	if len(out.Chunks) > topK {
		out.Chunks = out.Chunks[:topK]
	}
	return &out, nil
}

// do performs one authenticated JSON request and decodes the response into
// out (when non-nil).
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
