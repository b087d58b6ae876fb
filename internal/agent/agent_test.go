package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/catalog"
	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/flow"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/invoker"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/llm"
)

type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	requests  []llm.ChatRequest
}

func (s *scriptedLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &llm.ChatResponse{Content: "done"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) request(i int) llm.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

type capturedRequest struct {
	path string
	body map[string]any
}

func newTestBackend(t *testing.T) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	captured := &[]capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &body)
		}
		mu.Lock()
		*captured = append(*captured, capturedRequest{path: r.URL.Path, body: body})
		mu.Unlock()
		_, _ = w.Write([]byte(`{"txHash":"0x1"}`))
	}))
	t.Cleanup(server.Close)
	return server, captured
}

func newTestCatalog(t *testing.T, baseURL string) *catalog.Catalog {
	t.Helper()
	withKey := catalog.Parameters{
		Type: "object",
		Properties: map[string]catalog.Property{
			"privateKey": {Type: "string"},
			"amount":     {Type: "string"},
		},
		Required: []string{"privateKey", "amount"},
	}
	keyless := catalog.Parameters{
		Type:       "object",
		Properties: map[string]catalog.Property{"query": {Type: "string"}},
		Required:   []string{"query"},
	}

	c, err := catalog.New(
		catalog.ToolSpec{Name: "airdrop", Description: "airdrop tokens", Parameters: withKey, Endpoint: baseURL + "/airdrop", Method: http.MethodPost},
		catalog.ToolSpec{Name: "deposit_yield", Description: "deposit with yield", Parameters: withKey, Endpoint: baseURL + "/yield", Method: http.MethodPost},
		catalog.ToolSpec{Name: "swap", Description: "swap tokens", Parameters: withKey, Endpoint: baseURL + "/swap", Method: http.MethodPost},
		catalog.ToolSpec{Name: "fetch_price", Description: "fetch a price", Parameters: keyless, Endpoint: baseURL + "/token-price", Method: http.MethodPost},
	)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return c
}

func newTestAgent(t *testing.T, client llm.Client, baseURL string, opts ...Option) *Agent {
	t.Helper()
	cat := newTestCatalog(t, baseURL)
	return New(client, invoker.New(cat), cat, opts...)
}

func TestChatIndependentTools(t *testing.T) {
	server, _ := newTestBackend(t)
	stub := &scriptedLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			toolCall("c1", "swap", `{"privateKey":"0xk","amount":"5"}`),
			toolCall("c2", "fetch_price", `{"query":"mnt"}`),
		}},
		{Content: "Both operations finished."},
	}}
	ag := newTestAgent(t, stub, server.URL)

	result, err := ag.Chat(context.Background(), ChatRequest{
		Edges:   []flow.Edge{{Tool: "swap"}, {Tool: "fetch_price"}},
		Message: "swap and check the price",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if result.Reply != "Both operations finished." {
		t.Fatalf("unexpected reply: %s", result.Reply)
	}
	if len(result.ToolCalls) != 2 || len(result.Results) != 2 {
		t.Fatalf("expected paired records, got %d calls / %d results", len(result.ToolCalls), len(result.Results))
	}
	for i := range result.ToolCalls {
		if result.ToolCalls[i].Tool != result.Results[i].Tool {
			t.Fatalf("record %d not positionally correlated: %s vs %s", i, result.ToolCalls[i].Tool, result.Results[i].Tool)
		}
	}
	if result.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", result.Iterations)
	}

	// 独立计划不应注入顺序指令。
	second := stub.request(1)
	for _, msg := range second.Messages {
		if msg.Role == llm.RoleSystem && strings.Contains(msg.Content, "MUST now IMMEDIATELY call") {
			t.Fatalf("independent plan should not force a successor: %s", msg.Content)
		}
	}
}

func TestChatSequentialDirective(t *testing.T) {
	server, _ := newTestBackend(t)
	stub := &scriptedLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "airdrop", `{"privateKey":"0xk","amount":"10"}`)}},
		{ToolCalls: []llm.ToolCall{toolCall("c2", "deposit_yield", `{"privateKey":"0xk","amount":"10"}`)}},
		{Content: "Airdrop and deposit complete."},
	}}
	ag := newTestAgent(t, stub, server.URL)

	result, err := ag.Chat(context.Background(), ChatRequest{
		Edges:   []flow.Edge{{Tool: "airdrop", NextTool: "deposit_yield"}},
		Message: "airdrop then deposit",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if len(result.Results) != 2 {
		t.Fatalf("expected both chain steps executed, got %d", len(result.Results))
	}
	if result.ToolCalls[0].Tool != "airdrop" || result.ToolCalls[1].Tool != "deposit_yield" {
		t.Fatalf("execution order wrong: %+v", result.ToolCalls)
	}

	// 第二轮请求前必须携带指名后继工具的强制指令。
	second := stub.request(1)
	var directive bool
	for _, msg := range second.Messages {
		if msg.Role == llm.RoleSystem && strings.Contains(msg.Content, "'deposit_yield'") &&
			strings.Contains(msg.Content, "MUST") {
			directive = true
		}
	}
	if !directive {
		t.Fatalf("missing successor directive before second model call")
	}
}

func TestChatIterationCap(t *testing.T) {
	server, _ := newTestBackend(t)
	looping := func() *llm.ChatResponse {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{
			toolCall("loop", "fetch_price", `{"query":"mnt"}`),
		}}
	}
	stub := &scriptedLLM{responses: []*llm.ChatResponse{looping(), looping(), looping(), looping(), looping()}}
	ag := newTestAgent(t, stub, server.URL, WithMaxIterations(3))

	result, err := ag.Chat(context.Background(), ChatRequest{
		Edges:   []flow.Edge{{Tool: "fetch_price"}},
		Message: "price please",
	})
	if err != nil {
		t.Fatalf("cap exhaustion must not be an error: %v", err)
	}

	if result.Iterations != 3 {
		t.Fatalf("expected termination at cap, got %d iterations", result.Iterations)
	}
	if stub.callCount() != 3 {
		t.Fatalf("expected 3 model calls, got %d", stub.callCount())
	}
	if !strings.Contains(result.Reply, "Maximum iterations reached") {
		t.Fatalf("missing termination notice: %s", result.Reply)
	}
	if len(result.ToolCalls) != 3 || len(result.Results) != 3 {
		t.Fatalf("accumulated records lost: %d calls / %d results", len(result.ToolCalls), len(result.Results))
	}
}

func TestChatUnknownToolRejectedBeforeModelCall(t *testing.T) {
	server, captured := newTestBackend(t)
	stub := &scriptedLLM{}
	ag := newTestAgent(t, stub, server.URL)

	_, err := ag.Chat(context.Background(), ChatRequest{
		Edges:   []flow.Edge{{Tool: "mint_galaxy"}},
		Message: "mint me a galaxy",
	})
	if err == nil {
		t.Fatalf("expected unknown tool error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnknownTool {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if stub.callCount() != 0 {
		t.Fatalf("model must not be called for unknown tools")
	}
	if len(*captured) != 0 {
		t.Fatalf("downstream must not be called for unknown tools")
	}
}

func TestChatPrivateKeyInjectionAndRedaction(t *testing.T) {
	server, captured := newTestBackend(t)
	stub := &scriptedLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "airdrop", `{"amount":"10"}`)}},
		{Content: "done"},
	}}
	ag := newTestAgent(t, stub, server.URL)

	result, err := ag.Chat(context.Background(), ChatRequest{
		Edges:      []flow.Edge{{Tool: "airdrop"}},
		Message:    "airdrop",
		PrivateKey: "0xsecret",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected one downstream call, got %d", len(*captured))
	}
	if (*captured)[0].body["privateKey"] != "0xsecret" {
		t.Fatalf("private key not injected into downstream call: %v", (*captured)[0].body)
	}

	if got := result.ToolCalls[0].Arguments["privateKey"]; got != RedactedPlaceholder {
		t.Fatalf("record must redact the private key, got %v", got)
	}

	// 私钥不得出现在任何发送给模型的消息中。
	for i := 0; i < stub.callCount(); i++ {
		for _, msg := range stub.request(i).Messages {
			if strings.Contains(msg.Content, "0xsecret") {
				t.Fatalf("private key leaked into model message: %s", msg.Content)
			}
		}
	}
}

func TestChatMalformedArgumentsContinueLoop(t *testing.T) {
	server, captured := newTestBackend(t)
	stub := &scriptedLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "fetch_price", `{"query":`)}},
		{Content: "recovered"},
	}}
	ag := newTestAgent(t, stub, server.URL)

	result, err := ag.Chat(context.Background(), ChatRequest{
		Edges:   []flow.Edge{{Tool: "fetch_price"}},
		Message: "price",
	})
	if err != nil {
		t.Fatalf("malformed arguments must not abort the loop: %v", err)
	}

	if result.Reply != "recovered" {
		t.Fatalf("loop did not continue after malformed arguments: %s", result.Reply)
	}
	if len(result.Results) != 1 || result.Results[0].Success {
		t.Fatalf("expected failed result record: %+v", result.Results)
	}
	if !strings.Contains(result.Results[0].Error, "Invalid tool arguments") {
		t.Fatalf("unexpected error text: %s", result.Results[0].Error)
	}
	if len(*captured) != 0 {
		t.Fatalf("downstream must not be called with malformed arguments")
	}
}

func TestChatDownstreamFailureContinuesLoop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "node unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	stub := &scriptedLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "fetch_price", `{"query":"mnt"}`)}},
		{Content: "the price service is down"},
	}}
	ag := newTestAgent(t, stub, server.URL)

	result, err := ag.Chat(context.Background(), ChatRequest{
		Edges:   []flow.Edge{{Tool: "fetch_price"}},
		Message: "price",
	})
	if err != nil {
		t.Fatalf("downstream failure must not abort the loop: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0].Success {
		t.Fatalf("expected failed result record: %+v", result.Results)
	}
	if result.Reply != "the price service is down" {
		t.Fatalf("loop did not continue: %s", result.Reply)
	}
}

func TestChatProviderFailureAborts(t *testing.T) {
	server, _ := newTestBackend(t)
	stub := &scriptedLLM{err: errors.New("upstream 500")}
	ag := newTestAgent(t, stub, server.URL)

	_, err := ag.Chat(context.Background(), ChatRequest{
		Edges:   []flow.Edge{{Tool: "fetch_price"}},
		Message: "price",
	})
	if err == nil {
		t.Fatalf("expected provider failure")
	}
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestChatEmptyMessageRejected(t *testing.T) {
	server, _ := newTestBackend(t)
	ag := newTestAgent(t, &scriptedLLM{}, server.URL)

	_, err := ag.Chat(context.Background(), ChatRequest{Edges: []flow.Edge{{Tool: "fetch_price"}}})
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
