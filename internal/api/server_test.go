package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/agent"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/catalog"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/flow"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/run"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe512961708279f1d7b1b8e3e4b02333"

func newTestRunService(t *testing.T) (*run.Service, *run.MemoryStore) {
	t.Helper()
	store := run.NewMemoryStore()
	return run.NewService(store, run.NewMemoryQueue(8), run.NewVault(), 3), store
}

func TestHandleRunDetailSuccess(t *testing.T) {
	service, store := newTestRunService(t)
	server := NewServer(":0", nil, service, nil, nil)

	sample := &run.Run{
		ID:         "run-success",
		Edges:      []flow.Edge{{Tool: "get_balance"}},
		Message:    "check balance",
		Status:     run.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		Result:     &agent.ChatResult{Reply: "ok"},
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample run: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/runs/run-success", nil)
	rec := httptest.NewRecorder()

	server.handleRunDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var got run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID {
		t.Fatalf("unexpected run id: got %q want %q", got.ID, sample.ID)
	}
	if got.Result == nil || got.Result.Reply != "ok" {
		t.Fatalf("unexpected run result: %+v", got.Result)
	}
}

func TestHandleRunDetailErrors(t *testing.T) {
	service, _ := newTestRunService(t)
	server := NewServer(":0", nil, service, nil, nil)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/runs/run-1", nil)
		rec := httptest.NewRecorder()

		server.handleRunDetail(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/runs/", nil)
		rec := httptest.NewRecorder()

		server.handleRunDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/runs/missing", nil)
		rec := httptest.NewRecorder()

		server.handleRunDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleCreateRunNeverEchoesPrivateKey(t *testing.T) {
	service, store := newTestRunService(t)
	server := NewServer(":0", nil, service, nil, nil)

	body := `{"tools":[{"tool":"airdrop"}],"message":"airdrop tokens","private_key":"` + testPrivateKey + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleRuns(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), testPrivateKey) {
		t.Fatalf("response leaked the private key")
	}

	var created run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Status != run.StatusPending {
		t.Fatalf("expected pending run, got %s", created.Status)
	}

	stored, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get stored run: %v", err)
	}
	if !stored.HasSecret {
		t.Fatalf("stored run should record that a secret was supplied")
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal stored run: %v", err)
	}
	if strings.Contains(string(raw), testPrivateKey) {
		t.Fatalf("store persisted the private key")
	}
}

func TestHandleCreateRunRejectsBadPrivateKey(t *testing.T) {
	service, _ := newTestRunService(t)
	server := NewServer(":0", nil, service, nil, nil)

	body := `{"tools":[{"tool":"airdrop"}],"message":"airdrop tokens","private_key":"not-a-key"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleRuns(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleListRunsRejectsUnknownStatus(t *testing.T) {
	service, _ := newTestRunService(t)
	server := NewServer(":0", nil, service, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/runs?status=bogus", nil)
	rec := httptest.NewRecorder()

	server.handleRuns(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleRunStats(t *testing.T) {
	service, store := newTestRunService(t)
	server := NewServer(":0", nil, service, nil, nil)

	for _, sample := range []*run.Run{
		{ID: "stat-1", Message: "m", Status: run.StatusPending, MaxRetries: 3},
		{ID: "stat-2", Message: "m", Status: run.StatusPending, MaxRetries: 3},
	} {
		if err := store.Create(context.Background(), sample); err != nil {
			t.Fatalf("create sample run: %v", err)
		}
	}
	if err := store.MarkSucceeded(context.Background(), "stat-2", agent.ChatResult{Reply: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/runs/stats", nil)
	rec := httptest.NewRecorder()

	server.handleRunStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var stats run.RunStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	t.Run("invalid status filter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/runs/stats?status=bogus", nil)
		rec := httptest.NewRecorder()

		server.handleRunStats(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleChatErrors(t *testing.T) {
	server := NewServer(":0", nil, nil, nil, nil)

	t.Run("agent unavailable", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/chat", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()

		server.handleChat(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/chat", nil)
		rec := httptest.NewRecorder()

		server.handleChat(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestHandleToolsListsCatalog(t *testing.T) {
	cat := catalog.Default()
	server := NewServer(":0", nil, nil, nil, cat)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	rec := httptest.NewRecorder()

	server.handleTools(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}

	var payload struct {
		Tools []catalog.ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Tools) != cat.Len() {
		t.Fatalf("expected %d tools, got %d", cat.Len(), len(payload.Tools))
	}
}
