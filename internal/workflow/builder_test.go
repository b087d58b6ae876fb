package workflow

import (
	"context"
	"testing"

	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/llm"
)

type stubLLM struct {
	content string
	err     error
	lastReq llm.ChatRequest
}

func (s *stubLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.content}, nil
}

const sequentialWorkflowJSON = `{
  "agent_id": "agent_1",
  "tools": [
    {"id": "tool_1", "type": "airdrop", "name": "Airdrop Tool", "next_tools": ["tool_2"]},
    {"id": "tool_2", "type": "deposit_with_yield_prediction", "name": "Deposit", "next_tools": []}
  ],
  "has_sequential_execution": true,
  "description": "Airdrop then deposit"
}`

func TestBuildSequentialWorkflow(t *testing.T) {
	stub := &stubLLM{content: sequentialWorkflowJSON}
	builder := NewBuilder(stub)

	workflow, err := builder.Build(context.Background(), Request{Query: "airdrop then deposit"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if workflow.AgentID != "agent_1" || !workflow.HasSequential {
		t.Fatalf("unexpected workflow: %+v", workflow)
	}
	if len(workflow.Tools) != 2 {
		t.Fatalf("expected 2 tool nodes, got %d", len(workflow.Tools))
	}
	if workflow.Raw != sequentialWorkflowJSON {
		t.Fatalf("raw response not preserved")
	}

	if stub.lastReq.ResponseSchema == nil || stub.lastReq.ResponseSchema.Name != "workflow_schema" {
		t.Fatalf("expected schema-constrained call, got %+v", stub.lastReq.ResponseSchema)
	}
	if len(stub.lastReq.Tools) != 0 {
		t.Fatalf("builder call must not expose function tools")
	}
}

func TestWorkflowEdgesAliasMapping(t *testing.T) {
	stub := &stubLLM{content: sequentialWorkflowJSON}
	workflow, err := NewBuilder(stub).Build(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	edges := workflow.Edges()
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %v", edges)
	}
	if edges[0].Tool != "airdrop" || edges[0].NextTool != "deposit_yield" {
		t.Fatalf("alias mapping failed: %+v", edges[0])
	}
	if edges[1].Tool != "deposit_yield" || edges[1].NextTool != "" {
		t.Fatalf("terminal node edge wrong: %+v", edges[1])
	}
}

func TestWorkflowEdgesIndependent(t *testing.T) {
	w := &Workflow{
		AgentID: "agent_1",
		Tools: []Node{
			{ID: "tool_1", Type: "swap"},
			{ID: "tool_2", Type: "fetch_token_price"},
		},
	}

	edges := w.Edges()
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %v", edges)
	}
	for _, edge := range edges {
		if edge.NextTool != "" {
			t.Fatalf("independent node produced a successor: %+v", edge)
		}
	}
	if edges[1].Tool != "fetch_price" {
		t.Fatalf("alias mapping failed for fetch_token_price: %+v", edges[1])
	}
}

func TestBuildRejectsEmptyQuery(t *testing.T) {
	builder := NewBuilder(&stubLLM{content: "{}"})
	_, err := builder.Build(context.Background(), Request{Query: "   "})
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestBuildInvalidJSONIsProviderFailure(t *testing.T) {
	builder := NewBuilder(&stubLLM{content: "not json"})
	_, err := builder.Build(context.Background(), Request{Query: "q"})
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("expected provider failure, got %v", err)
	}
}
