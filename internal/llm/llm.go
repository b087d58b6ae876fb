package llm

import "context"

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是一条与 provider 无关的对话消息。助手消息可以携带工具调用请求，
// 工具消息通过 ToolCallID 与发起调用的请求关联。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall 描述模型请求执行的一次工具调用。Arguments 为模型输出的原始
// JSON 字符串，由编排层负责解码与校验。
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema 是按 provider 函数调用格式描述的工具签名。
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// ResponseSchema 约束模型输出为符合指定 JSON Schema 的结构化结果。
type ResponseSchema struct {
	Name   string `json:"name"`
	Strict bool   `json:"strict"`
	Schema any    `json:"schema"`
}

// ChatRequest 描述一次多轮对话调用。
type ChatRequest struct {
	Messages       []Message
	Tools          []ToolSchema
	Temperature    float64
	MaxTokens      int
	ResponseSchema *ResponseSchema
}

// ChatResponse 是模型的一轮回复：纯文本，或一批工具调用请求，或两者皆有。
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// HasToolCalls 判断本轮回复是否包含工具调用请求。
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Client 定义了大模型推理的统一入口。
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
