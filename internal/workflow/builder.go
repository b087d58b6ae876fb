// Package workflow 把自然语言的流程描述一次性转换为结构化的工具图，
// 供编排循环作为工具连线输入消费。
package workflow

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/flow"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/llm"
)

// builderTools 是流程构建器对外暴露的工具类型。部分名称与目录中的
// 工具名不同，由 toolAliases 负责映射。
var builderTools = []string{
	"transfer",
	"swap",
	"stt_balance_fetch",
	"deploy_erc20",
	"deploy_erc721",
	"create_dao",
	"airdrop",
	"fetch_token_price",
	"deposit_with_yield_prediction",
	"wallet_analytics",
}

// toolAliases 把构建器的工具类型映射到目录中的工具名。
var toolAliases = map[string]string{
	"stt_balance_fetch":             "get_balance",
	"fetch_token_price":             "fetch_price",
	"deposit_with_yield_prediction": "deposit_yield",
}

const systemPrompt = `You are an AI that converts natural language descriptions of blockchain agent workflows into structured JSON.

Available tools:
- transfer: Transfer tokens between wallets
- swap: Swap one token for another
- stt_balance_fetch: Fetch balance of tokens
- deploy_erc20: Deploy ERC-20 tokens
- deploy_erc721: Deploy ERC-721 NFT tokens
- create_dao: Create a decentralized autonomous organization
- airdrop: Distribute tokens to multiple addresses
- fetch_token_price: Get the current price of any token
- deposit_with_yield_prediction: Deposit tokens with APY prediction
- wallet_analytics: Analyze wallet statistics and performance

Your task is to analyze the user's request and create a workflow structure with:
1. An agent node (always present, id: "agent_1")
2. Tool nodes that the agent can use
3. Sequential connections when tools should execute in order
4. Parallel connections when tools are independent

Rules:
- The agent node always has id "agent_1" and type "agent"
- Each tool gets a unique id like "tool_1", "tool_2", etc.
- If tools should execute sequentially (one after another), set the next_tools field
- If tools are independent, they connect directly to the agent with empty next_tools
- Sequential execution examples: "airdrop then deposit", "deploy token and then airdrop"
- Parallel execution examples: "agent with multiple tools", "various tools available"
- IMPORTANT: Set has_sequential_execution to true if ANY tool has non-empty next_tools array
- IMPORTANT: Set has_sequential_execution to false ONLY if ALL tools have empty next_tools arrays

Return ONLY valid JSON matching this exact structure:
{
  "agent_id": "agent_1",
  "tools": [
    {
      "id": "tool_1",
      "type": "airdrop",
      "name": "Airdrop Tool",
      "next_tools": ["tool_2"]
    },
    {
      "id": "tool_2",
      "type": "deposit_with_yield_prediction",
      "name": "Deposit with Yield Prediction",
      "next_tools": []
    }
  ],
  "has_sequential_execution": true,
  "description": "Brief description of the workflow"
}`

// Node 是工具图中的一个节点。
type Node struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	NextTools []string `json:"next_tools"`
}

// Workflow 是一次构建的完整产物。Raw 保留模型输出的原文以便排查。
type Workflow struct {
	AgentID       string `json:"agent_id"`
	Tools         []Node `json:"tools"`
	HasSequential bool   `json:"has_sequential_execution"`
	Description   string `json:"description"`
	Raw           string `json:"raw_response,omitempty"`
}

// Edges 把工具图转换为编排循环消费的工具连线。构建器的工具类型先经
// 别名映射折算为目录中的工具名。
func (w *Workflow) Edges() []flow.Edge {
	byID := make(map[string]Node, len(w.Tools))
	for _, node := range w.Tools {
		byID[node.ID] = node
	}

	var edges []flow.Edge
	for _, node := range w.Tools {
		name := CatalogName(node.Type)
		if len(node.NextTools) == 0 {
			edges = append(edges, flow.Edge{Tool: name})
			continue
		}
		for _, nextID := range node.NextTools {
			next, ok := byID[nextID]
			if !ok {
				continue
			}
			edges = append(edges, flow.Edge{Tool: name, NextTool: CatalogName(next.Type)})
		}
	}
	return edges
}

// CatalogName 把构建器的工具类型折算为目录中的工具名。
func CatalogName(builderType string) string {
	if name, ok := toolAliases[builderType]; ok {
		return name
	}
	return builderType
}

// AvailableTools 返回构建器支持的工具类型列表。
func AvailableTools() []string {
	out := make([]string, len(builderTools))
	copy(out, builderTools)
	return out
}

// Request 描述一次流程构建请求。
type Request struct {
	Query       string  `json:"user_query"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Builder 基于大模型的结构化输出能力构建工具图。
type Builder struct {
	llmClient llm.Client
}

// NewBuilder 创建流程构建器。
func NewBuilder(client llm.Client) *Builder {
	return &Builder{llmClient: client}
}

const (
	defaultTemperature = 0.3
	defaultMaxTokens   = 2000
)

// Build 发起一次 Schema 约束的模型调用并解析工具图。
func (b *Builder) Build(ctx context.Context, req Request) (*Workflow, error) {
	if b.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "流程描述不能为空")
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	resp, err := b.llmClient.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: query},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		ResponseSchema: &llm.ResponseSchema{
			Name:   "workflow_schema",
			Strict: true,
			Schema: responseSchema(),
		},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "流程构建推理失败")
	}

	var workflow Workflow
	if err := json.Unmarshal([]byte(resp.Content), &workflow); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析流程构建结果失败")
	}
	workflow.Raw = resp.Content
	return &workflow, nil
}

func responseSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]any{
				"type":        "string",
				"description": "The agent node ID",
			},
			"tools": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "string",
							"description": "Unique tool identifier",
						},
						"type": map[string]any{
							"type":        "string",
							"enum":        builderTools,
							"description": "Tool type from available tools",
						},
						"name": map[string]any{
							"type":        "string",
							"description": "Human-readable tool name",
						},
						"next_tools": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "IDs of tools that execute after this one",
						},
					},
					"required":             []string{"id", "type", "name", "next_tools"},
					"additionalProperties": false,
				},
			},
			"has_sequential_execution": map[string]any{
				"type":        "boolean",
				"description": "Whether workflow has sequential tool execution",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Brief description of the workflow",
			},
		},
		"required":             []string{"agent_id", "tools", "has_sequential_execution", "description"},
		"additionalProperties": false,
	}
}
