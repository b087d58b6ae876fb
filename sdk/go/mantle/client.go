// Package mantle provides a thin Go client for the agent-builder REST API.
package mantle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the agent-builder REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Edge connects a tool to its mandatory successor. An empty NextTool marks an
// independent or terminal tool.
type Edge struct {
	Tool     string `json:"tool"`
	NextTool string `json:"next_tool,omitempty"`
}

// ChatRequest drives one synchronous agent conversation.
type ChatRequest struct {
	Edges      []Edge `json:"tools"`
	Message    string `json:"message"`
	PrivateKey string `json:"private_key,omitempty"`
}

// ToolCall records one tool invocation the agent performed. Sensitive
// arguments are replaced with a placeholder by the server.
type ToolCall struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the normalized outcome of one tool invocation.
type ToolResult struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChatResult is the final outcome of a conversation.
type ChatResult struct {
	Reply      string       `json:"agent_response"`
	ToolCalls  []ToolCall   `json:"tool_calls"`
	Results    []ToolResult `json:"results"`
	Iterations int          `json:"iterations"`
}

// RunSubmission creates a queued run. Supplying an ID makes the call
// idempotent.
type RunSubmission struct {
	ID         string `json:"id,omitempty"`
	Edges      []Edge `json:"tools"`
	Message    string `json:"message"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Run is the server-side view of a queued run. The private key is never
// echoed back.
type Run struct {
	ID         string      `json:"id"`
	Edges      []Edge      `json:"tools"`
	Message    string      `json:"message"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Result     *ChatResult `json:"result,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Run statuses reported by the server.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunStats aggregates run counts by status.
type RunStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// WorkflowRequest asks the server to translate a natural-language description
// into a tool workflow.
type WorkflowRequest struct {
	Query       string  `json:"user_query"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// WorkflowNode is one tool node in a generated workflow.
type WorkflowNode struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	NextTools []string `json:"next_tools"`
}

// Workflow is a generated workflow definition.
type Workflow struct {
	AgentID       string         `json:"agent_id"`
	Tools         []WorkflowNode `json:"tools"`
	HasSequential bool           `json:"has_sequential_execution"`
	Description   string         `json:"description"`
}

// Tool describes one catalog entry.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint"`
	Method      string `json:"method"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mantle api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the agent-builder API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Chat runs one synchronous conversation and returns the final result.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	var result ChatResult
	if err := c.post(ctx, "/api/v1/agent/chat", req, &result); err != nil {
		return ChatResult{}, err
	}
	return result, nil
}

// BuildWorkflow translates a natural-language description into a workflow.
func (c *Client) BuildWorkflow(ctx context.Context, req WorkflowRequest) (Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/api/v1/workflows", req, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// SubmitRun enqueues an asynchronous run.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Run, error) {
	var created Run
	if err := c.post(ctx, "/api/v1/agent/runs", submission, &created); err != nil {
		return Run{}, err
	}
	return created, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var detail Run
	if err := c.get(ctx, "/api/v1/agent/runs/"+url.PathEscape(runID), &detail); err != nil {
		return Run{}, err
	}
	return detail, nil
}

// WaitForRun polls a run until it reaches a terminal status or the context
// expires.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if detail.Status == RunSucceeded || detail.Status == RunFailed {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunStats fetches aggregate run counts from the server.
func (c *Client) RunStats(ctx context.Context) (RunStats, error) {
	var stats RunStats
	if err := c.get(ctx, "/api/v1/agent/runs/stats", &stats); err != nil {
		return RunStats{}, err
	}
	return stats, nil
}

// Tools lists the server's tool catalog.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var payload struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.get(ctx, "/api/v1/tools", &payload); err != nil {
		return nil, err
	}
	return payload.Tools, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
