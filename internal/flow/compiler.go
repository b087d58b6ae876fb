// Package flow 将调用方声明的工具连线编译为编排循环可执行的计划：
// 可用工具集合、顺序依赖映射与注入给模型的指令文本。
package flow

import (
	"fmt"
	"strings"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/catalog"
	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
)

// Edge 描述一条工具连线：执行完 Tool 之后是否必须继续执行 NextTool。
type Edge struct {
	Tool     string `json:"tool"`
	NextTool string `json:"next_tool,omitempty"`
}

// Plan 是编译产物。Tools 按首次出现顺序排列；Successors 记录顺序依赖，
// 同一来源多次声明时以最后一次为准。
type Plan struct {
	Tools        []string
	Successors   map[string]string
	Instructions string
}

// Successor 返回指定工具声明的后继工具。
func (p *Plan) Successor(tool string) (string, bool) {
	if p == nil {
		return "", false
	}
	next, ok := p.Successors[tool]
	return next, ok
}

// Sequential 判断计划中是否存在顺序依赖。
func (p *Plan) Sequential() bool {
	return p != nil && len(p.Successors) > 0
}

// Compile 校验连线引用的工具并生成执行计划。任何未注册的工具名都会在
// 这里被拒绝，不会产生任何模型或下游调用。连线为空时生成无工具计划，
// 模型只做纯对话回复。
func Compile(cat *catalog.Catalog, edges []Edge) (*Plan, error) {
	if cat == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具目录")
	}

	plan := &Plan{Successors: make(map[string]string)}
	seen := make(map[string]bool)
	var sources []string

	add := func(name string) error {
		if !cat.Has(name) {
			return xerrors.New(xerrors.CodeUnknownTool, fmt.Sprintf("未知工具: %s", name))
		}
		if !seen[name] {
			seen[name] = true
			plan.Tools = append(plan.Tools, name)
		}
		return nil
	}

	for _, edge := range edges {
		tool := strings.TrimSpace(edge.Tool)
		if tool == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "连线缺少工具名称")
		}
		if err := add(tool); err != nil {
			return nil, err
		}
		next := strings.TrimSpace(edge.NextTool)
		if next == "" {
			continue
		}
		if err := add(next); err != nil {
			return nil, err
		}
		if _, declared := plan.Successors[tool]; !declared {
			sources = append(sources, tool)
		}
		// 同一来源重复声明时后写覆盖，与上游构建器的行为保持一致。
		plan.Successors[tool] = next
	}

	plan.Instructions = buildInstructions(cat, plan.Tools, sources, plan.Successors)
	return plan, nil
}

func buildInstructions(cat *catalog.Catalog, tools, sources []string, successors map[string]string) string {
	var b strings.Builder
	b.WriteString("You are an AI agent for the Mantle blockchain platform. You help users perform blockchain operations using the tools available to you.\n\nAVAILABLE TOOLS:\n")

	for _, name := range tools {
		spec, ok := cat.Lookup(name)
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("\n- %s: %s\n", spec.Name, spec.Description))
	}

	if len(successors) > 0 {
		b.WriteString("\n\nTOOL EXECUTION FLOW:\n")
		b.WriteString("Some tools are connected in sequence. You MUST execute them in the specified order:\n")
		for _, source := range sources {
			b.WriteString(fmt.Sprintf("- After %s completes, YOU MUST IMMEDIATELY call %s\n", source, successors[source]))
		}
		b.WriteString(`
SEQUENTIAL EXECUTION INSTRUCTIONS - CRITICAL:
1. When tools are connected sequentially, you MUST execute ALL tools in the chain
2. After completing one tool, IMMEDIATELY proceed to call the next tool in the sequence
3. DO NOT wait for user confirmation between sequential tool calls
4. Execute all sequential tools in ONE conversation turn
5. Only provide a final summary after ALL sequential tools have been completed
6. If you have all the required parameters for the entire sequence, execute all tools immediately
`)
	} else {
		b.WriteString(`
INSTRUCTIONS:
1. You can perform any of the available operations based on user requests
2. Ask for required parameters if not provided
3. Execute the appropriate tool based on user needs
4. Provide clear results and next steps
`)
	}

	b.WriteString(`
IMPORTANT RULES:
- Only use the tools that are available to you
- Always ask for required parameters before making tool calls
- Be conversational and helpful
- Provide transaction hashes and explorer links when available
- Explain what each operation does in simple terms
- For sequential executions, complete the ENTIRE chain before responding
`)

	return b.String()
}
