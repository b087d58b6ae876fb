package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/catalog"
	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/flow"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/invoker"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/llm"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/web3"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/pkg/logger"
)

// RedactedPlaceholder 在调用记录中替代私钥原文。
const RedactedPlaceholder = "[redacted]"

// defaultMaxIterations 是单次对话允许的最大模型轮次。
const defaultMaxIterations = 10

// ChatRequest 描述一次编排请求：工具连线、用户消息与可选的私钥。
// 私钥只在调用工具时带外注入，绝不进入提示词或对话历史。
type ChatRequest struct {
	Edges      []flow.Edge `json:"tools"`
	Message    string      `json:"message"`
	PrivateKey string      `json:"private_key,omitempty"`
}

// ToolCallRecord 记录模型发起的一次工具调用。Arguments 中的私钥字段
// 已被占位符替换。
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResult 汇总一次编排的最终回复与完整的调用审计。ToolCalls 与
// Results 长度一致且按位置一一对应，顺序为模型在各轮中的提交顺序。
type ChatResult struct {
	Reply      string           `json:"agent_response"`
	ToolCalls  []ToolCallRecord `json:"tool_calls"`
	Results    []invoker.Result `json:"results"`
	Iterations int              `json:"iterations"`
}

// Agent 协调大模型与工具调用器，是系统的业务核心。
type Agent struct {
	llmClient     llm.Client
	invoker       *invoker.Invoker
	catalog       *catalog.Catalog
	chainClient   web3.Client
	maxIterations int
	llmTimeout    time.Duration
	temperature   float64
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxIterations 设置单次对话允许的最大模型轮次。
func WithMaxIterations(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxIterations = max
		}
	}
}

// WithLLMTimeout 设置单轮模型调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithChainClient 配置链客户端，用于在指令中补充链上下文。
func WithChainClient(client web3.Client) Option {
	return func(a *Agent) {
		a.chainClient = client
	}
}

// WithTemperature 设置模型采样温度。
func WithTemperature(temperature float64) Option {
	return func(a *Agent) {
		if temperature > 0 {
			a.temperature = temperature
		}
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, inv *invoker.Invoker, cat *catalog.Catalog, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:     llmClient,
		invoker:       inv,
		catalog:       cat,
		maxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Chat 执行一次完整的编排循环：编译工具连线、驱动多轮对话、拦截并执行
// 工具调用，直到模型给出纯文本回复或达到轮次上限。
func (a *Agent) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if a.invoker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具调用器")
	}
	if req.Message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户消息不能为空")
	}

	plan, err := flow.Compile(a.catalog, req.Edges)
	if err != nil {
		return nil, err
	}

	instructions := plan.Instructions
	if a.chainClient != nil {
		if snapshot, snapErr := a.chainClient.FetchChainSnapshot(ctx); snapErr == nil {
			instructions += fmt.Sprintf("\nCHAIN CONTEXT: chain id %s, latest block %s\n",
				snapshot.ChainID, snapshot.BlockNumber)
		} else {
			logger.Named("agent").Warn("获取链上信息失败", "error", snapErr)
		}
	}

	history := []llm.Message{
		{Role: llm.RoleSystem, Content: instructions},
		{Role: llm.RoleUser, Content: req.Message},
	}
	tools := a.catalog.Functions(plan.Tools)

	result := &ChatResult{
		ToolCalls: []ToolCallRecord{},
		Results:   []invoker.Result{},
	}

	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		result.Iterations = iteration

		resp, err := a.callModel(ctx, llm.ChatRequest{
			Messages:    history,
			Tools:       tools,
			Temperature: a.temperature,
		})
		if err != nil {
			return nil, err
		}

		if !resp.HasToolCalls() {
			result.Reply = resp.Content
			a.audit(req, result)
			return result, nil
		}

		history = append(history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		var lastTool string
		for _, call := range resp.ToolCalls {
			record, callResult := a.executeCall(ctx, call, req.PrivateKey)
			result.ToolCalls = append(result.ToolCalls, record)
			result.Results = append(result.Results, callResult)
			lastTool = call.Name

			history = append(history, llm.Message{
				Role:       llm.RoleTool,
				Content:    encodeResult(callResult),
				ToolCallID: call.ID,
			})
		}

		// 若最后执行的工具声明了后继，则在下一轮推理前注入强制继续指令。
		if next, ok := plan.Successor(lastTool); ok {
			history = append(history, llm.Message{
				Role: llm.RoleSystem,
				Content: fmt.Sprintf(
					"You have just completed '%s'. You MUST now IMMEDIATELY call the '%s' tool. Do not respond with a final answer until '%s' has been executed.",
					lastTool, next, next),
			})
		}
	}

	// 达到轮次上限不是错误：保留全部调用记录并附带终止说明。
	result.Reply = "Maximum iterations reached. The workflow may be incomplete - please review the tool results so far."
	a.audit(req, result)
	return result, nil
}

// executeCall 执行单个工具调用：解析参数、按需注入私钥、调度下游端点。
// 返回的记录中私钥字段已被替换为占位符。
func (a *Agent) executeCall(ctx context.Context, call llm.ToolCall, privateKey string) (ToolCallRecord, invoker.Result) {
	record := ToolCallRecord{ID: call.ID, Tool: call.Name}

	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		failed := invoker.Result{
			Tool:    call.Name,
			Success: false,
			Error:   fmt.Sprintf("Invalid tool arguments: %v", err),
		}
		return record, failed
	}
	if args == nil {
		args = map[string]any{}
	}

	if privateKey != "" {
		if spec, ok := a.catalog.Lookup(call.Name); ok && spec.RequiresPrivateKey() {
			if _, present := args[catalog.PrivateKeyField]; !present {
				args[catalog.PrivateKeyField] = privateKey
			}
		}
	}

	record.Arguments = redact(args)
	// 以模型分配的调用 ID 作幂等键，配置了保护层时重复投递不会二次执行。
	return record, a.invoker.InvokeIdempotent(ctx, call.Name, call.ID, args)
}

// callModel 调用大模型完成一轮推理，并把失败映射到统一错误码。
func (a *Agent) callModel(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	resp, err := a.llmClient.Chat(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "大模型推理失败")
	}
	return resp, nil
}

func (a *Agent) audit(req ChatRequest, result *ChatResult) {
	logger.Audit().Info("对话编排完成",
		"message_length", len(req.Message),
		"tool_calls", len(result.ToolCalls),
		"iterations", result.Iterations,
	)
}

// redact 复制参数并把私钥字段替换为占位符，原始参数不受影响。
func redact(args map[string]any) map[string]any {
	clone := make(map[string]any, len(args))
	for k, v := range args {
		if k == catalog.PrivateKeyField {
			clone[k] = RedactedPlaceholder
			continue
		}
		clone[k] = v
	}
	return clone
}

func encodeResult(result invoker.Result) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q,"success":false,"error":"cannot encode result"}`, result.Tool)
	}
	return string(encoded)
}
