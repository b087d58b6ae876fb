package run

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/agent"
	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/flow"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/observability/alerting"
)

type fakeExecutor struct {
	calls atomic.Int32
	fail  func(attempt int32) error

	mu   sync.Mutex
	keys []string
}

func (f *fakeExecutor) Chat(_ context.Context, req agent.ChatRequest) (*agent.ChatResult, error) {
	attempt := f.calls.Add(1)
	f.mu.Lock()
	f.keys = append(f.keys, req.PrivateKey)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(attempt); err != nil {
			return nil, err
		}
	}
	return &agent.ChatResult{Reply: "done", Iterations: 1}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerter) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = p.Start(ctx)
	}()
	return cancel
}

func waitForStatus(t *testing.T, store Store, id string, want Status, extra func(*Run) bool) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.Get(context.Background(), id)
		if err == nil && run.Status == want && (extra == nil || extra(run)) {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := store.Get(context.Background(), id)
	t.Fatalf("run %s never reached %s, last state: %+v", id, want, run)
	return nil
}

func TestProcessorExecutesSubmittedRuns(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	vault := NewVault()
	executor := &fakeExecutor{}

	service := NewService(store, queue, vault, 3)
	processor := NewProcessor(executor, store, queue, queue, vault, WithWorkerCount(4))
	cancel := startProcessor(t, processor)
	defer cancel()

	const total = 20
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		run, err := service.Submit(context.Background(), SubmitRequest{
			Edges:   []flow.Edge{{Tool: "get_balance"}},
			Message: "check balance",
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, run.ID)
	}

	for _, id := range ids {
		run := waitForStatus(t, store, id, StatusSucceeded, nil)
		if run.Result == nil || run.Result.Reply != "done" {
			t.Fatalf("unexpected result for %s: %+v", id, run.Result)
		}
	}
	if got := executor.calls.Load(); got != total {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
}

func TestProcessorPassesSecretAndClearsVault(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	vault := NewVault()
	executor := &fakeExecutor{}

	service := NewService(store, queue, vault, 3)
	processor := NewProcessor(executor, store, queue, queue, vault)
	cancel := startProcessor(t, processor)
	defer cancel()

	run, err := service.Submit(context.Background(), SubmitRequest{
		Edges:      []flow.Edge{{Tool: "airdrop"}},
		Message:    "airdrop tokens",
		PrivateKey: "0xsecret",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, store, run.ID, StatusSucceeded, nil)

	executor.mu.Lock()
	keys := append([]string(nil), executor.keys...)
	executor.mu.Unlock()
	if len(keys) != 1 || keys[0] != "0xsecret" {
		t.Fatalf("executor did not receive the private key: %v", keys)
	}
	if vault.Len() != 0 {
		t.Fatalf("vault should be empty after terminal run, holds %d entries", vault.Len())
	}
}

func TestProcessorFailsRunWhenSecretLost(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	vault := NewVault()
	executor := &fakeExecutor{}
	alerter := &recordingAlerter{}

	service := NewService(store, queue, vault, 3)
	processor := NewProcessor(executor, store, queue, queue, vault, WithAlertDispatcher(alerter))

	run, err := service.Submit(context.Background(), SubmitRequest{
		Edges:      []flow.Edge{{Tool: "airdrop"}},
		Message:    "airdrop tokens",
		PrivateKey: "0xsecret",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 模拟进程重启后保险库为空。
	vault.Delete(run.ID)

	cancel := startProcessor(t, processor)
	defer cancel()

	failed := waitForStatus(t, store, run.ID, StatusFailed, nil)
	if failed.ErrorCode != string(CodeRunSecretLost) {
		t.Fatalf("expected error code %s, got %s", CodeRunSecretLost, failed.ErrorCode)
	}
	if got := executor.calls.Load(); got != 0 {
		t.Fatalf("executor should not run without the secret, got %d calls", got)
	}

	events := alerter.snapshot()
	if len(events) == 0 || events[len(events)-1].Code != CodeRunSecretLost {
		t.Fatalf("expected secret-lost alert, got %+v", events)
	}
}

func TestProcessorRetriesUntilExhausted(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	vault := NewVault()
	executor := &fakeExecutor{
		fail: func(int32) error {
			return xerrors.New(CodeRunProcessing, "downstream flaky")
		},
	}
	alerter := &recordingAlerter{}

	service := NewService(store, queue, vault, 2)
	processor := NewProcessor(executor, store, queue, queue, vault, WithAlertDispatcher(alerter))
	cancel := startProcessor(t, processor)
	defer cancel()

	run, err := service.Submit(context.Background(), SubmitRequest{
		Edges:   []flow.Edge{{Tool: "swap"}},
		Message: "swap tokens",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStatus(t, store, run.ID, StatusFailed, func(r *Run) bool {
		return r.Attempts >= 2
	})
	if failed.ErrorCode != string(CodeRunProcessing) {
		t.Fatalf("expected error code %s, got %s", CodeRunProcessing, failed.ErrorCode)
	}
	if got := executor.calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	events := alerter.snapshot()
	if len(events) < 2 {
		t.Fatalf("expected retry and terminal alerts, got %d", len(events))
	}
	if events[len(events)-1].Metadata["stage"] != "terminal" {
		t.Fatalf("expected terminal stage on final alert, got %q", events[len(events)-1].Metadata["stage"])
	}
}

func TestProcessorNonRetryableFailureIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	vault := NewVault()
	executor := &fakeExecutor{
		fail: func(int32) error {
			return xerrors.New(xerrors.CodeUnknownTool, "unknown tool: bogus")
		},
	}

	service := NewService(store, queue, vault, 5)
	processor := NewProcessor(executor, store, queue, queue, vault)
	cancel := startProcessor(t, processor)
	defer cancel()

	run, err := service.Submit(context.Background(), SubmitRequest{
		Edges:   []flow.Edge{{Tool: "swap"}},
		Message: "swap tokens",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStatus(t, store, run.ID, StatusFailed, nil)
	if failed.ErrorCode != string(xerrors.CodeUnknownTool) {
		t.Fatalf("expected error code %s, got %s", xerrors.CodeUnknownTool, failed.ErrorCode)
	}

	// 终态后不应再有执行。
	time.Sleep(50 * time.Millisecond)
	if got := executor.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 attempt for non-retryable failure, got %d", got)
	}
}

func TestProcessorSkipsUnknownRunID(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	vault := NewVault()
	executor := &fakeExecutor{}

	processor := NewProcessor(executor, store, queue, queue, vault)
	cancel := startProcessor(t, processor)
	defer cancel()

	if err := queue.Publish(context.Background(), "no-such-run"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := executor.calls.Load(); got != 0 {
		t.Fatalf("executor should not run for unknown id, got %d calls", got)
	}
	if _, err := store.Get(context.Background(), "no-such-run"); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
