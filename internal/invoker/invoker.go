// Package invoker 负责把模型发起的工具调用转换为对链上操作后端的 HTTP 请求，
// 并把各类失败统一归一化为结构化结果而不是错误。
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/catalog"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/observability/metrics"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/web3"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/pkg/logger"
)

const defaultTimeout = 60 * time.Second

// Result 是一次工具调用的归一化结果。Payload 为下游返回的 JSON 原样解码，
// 不做任何重组；失败时 Error 携带面向模型可读的描述。
type Result struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Guard 提供可选的幂等保护：Reserve 预占幂等键并返回可重放的历史结果，
// Store 在调用成功后记录结果供后续重放。
type Guard interface {
	Reserve(ctx context.Context, key string) (replay *Result, reserved bool, err error)
	Store(ctx context.Context, key string, result Result) error
}

// Invoker 按目录中的定义调度下游工具端点。
type Invoker struct {
	catalog    *catalog.Catalog
	httpClient *http.Client
	guard      Guard
}

// Option 定义 Invoker 的可选配置。
type Option func(*Invoker)

// WithHTTPClient 覆盖默认的 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(inv *Invoker) {
		if client != nil {
			inv.httpClient = client
		}
	}
}

// WithTimeout 覆盖单次调用的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(inv *Invoker) {
		if timeout > 0 {
			inv.httpClient.Timeout = timeout
		}
	}
}

// WithGuard 启用幂等保护。
func WithGuard(guard Guard) Option {
	return func(inv *Invoker) {
		inv.guard = guard
	}
}

// New 创建工具调用器。
func New(cat *catalog.Catalog, opts ...Option) *Invoker {
	inv := &Invoker{
		catalog:    cat,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// Invoke 执行一次工具调用。除上下文取消外，所有失败（未知工具、网络错误、
// 非 2xx 状态、响应不可解析）都折叠进 Result，调用方据此继续编排循环。
func (inv *Invoker) Invoke(ctx context.Context, name string, params map[string]any) Result {
	start := time.Now()
	result := inv.dispatch(ctx, name, params)
	metrics.ObserveToolInvocation(name, result.Success, time.Since(start))

	if !result.Success {
		logger.Named("invoker").Warn("工具调用失败",
			"tool", name,
			"error", result.Error,
		)
	}
	return result
}

// InvokeIdempotent 在幂等键非空且配置了 Guard 时提供重放语义：重复的键直接
// 返回首次调用的结果，不再触发下游请求。
func (inv *Invoker) InvokeIdempotent(ctx context.Context, name, idempotencyKey string, params map[string]any) Result {
	key := strings.TrimSpace(idempotencyKey)
	if inv.guard == nil || key == "" {
		return inv.Invoke(ctx, name, params)
	}

	replay, reserved, err := inv.guard.Reserve(ctx, key)
	if err != nil {
		// 保护层故障时退化为直接调用，不阻塞业务。
		logger.Named("invoker").Warn("幂等保护不可用", "key", key, "error", err)
		return inv.Invoke(ctx, name, params)
	}
	if replay != nil {
		return *replay
	}
	if !reserved {
		return Result{
			Tool:    name,
			Success: false,
			Error:   fmt.Sprintf("Tool execution failed: duplicate invocation with idempotency key %q is still in flight", key),
		}
	}

	result := inv.Invoke(ctx, name, params)
	if result.Success {
		if err := inv.guard.Store(ctx, key, result); err != nil {
			logger.Named("invoker").Warn("记录幂等结果失败", "key", key, "error", err)
		}
	}
	return result
}

func (inv *Invoker) dispatch(ctx context.Context, name string, params map[string]any) Result {
	spec, ok := inv.catalog.Lookup(name)
	if !ok {
		return failure(name, fmt.Sprintf("Unknown tool: %s", name))
	}

	endpoint, body, err := buildRequestParts(spec, params)
	if err != nil {
		return failure(name, err.Error())
	}

	var reader io.Reader
	if spec.Method == http.MethodPost {
		encoded, err := json.Marshal(body)
		if err != nil {
			return failure(name, fmt.Sprintf("Tool execution failed: cannot encode parameters: %v", err))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, endpoint, reader)
	if err != nil {
		return failure(name, fmt.Sprintf("Tool execution failed: %v", err))
	}
	if spec.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return failure(name, "Tool execution failed: request timed out")
		}
		return failure(name, fmt.Sprintf("Tool execution failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failure(name, fmt.Sprintf("Tool execution failed: cannot read response: %v", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail := strings.TrimSpace(string(raw))
		if len(detail) > 512 {
			detail = detail[:512]
		}
		return failure(name, fmt.Sprintf("Tool execution failed with status %d: %s", resp.StatusCode, detail))
	}

	var payload any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return failure(name, fmt.Sprintf("Tool execution failed: response is not valid JSON: %v", err))
		}
	}
	return Result{Tool: name, Success: true, Payload: payload}
}

// buildRequestParts 完成 {address} 占位符替换。GET 请求将被替换的字段从
// 参数集中移除，剩余参数以查询串传递；POST 请求的参数全部留在 JSON 体内。
func buildRequestParts(spec catalog.ToolSpec, params map[string]any) (string, map[string]any, error) {
	body := make(map[string]any, len(params))
	for k, v := range params {
		body[k] = v
	}

	endpoint := spec.Endpoint
	if strings.Contains(endpoint, catalog.AddressPlaceholder) {
		value, ok := body["address"].(string)
		if !ok || strings.TrimSpace(value) == "" {
			return "", nil, fmt.Errorf("Tool execution failed: missing address parameter for %s", spec.Name)
		}
		// 模型生成的地址在进入 URL 之前必须是合法的 EVM 地址。
		if !web3.ValidAddress(value) {
			return "", nil, fmt.Errorf("Tool execution failed: invalid address parameter for %s", spec.Name)
		}
		endpoint = strings.ReplaceAll(endpoint, catalog.AddressPlaceholder, url.PathEscape(value))
		if spec.Method == http.MethodGet {
			delete(body, "address")
		}
	}

	if spec.Method == http.MethodGet && len(body) > 0 {
		query := url.Values{}
		for k, v := range body {
			query.Set(k, fmt.Sprint(v))
		}
		separator := "?"
		if strings.Contains(endpoint, "?") {
			separator = "&"
		}
		endpoint += separator + query.Encode()
	}

	return endpoint, body, nil
}

func failure(tool, message string) Result {
	return Result{Tool: tool, Success: false, Error: message}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
