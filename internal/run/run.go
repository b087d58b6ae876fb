// Package run 实现编排请求的异步生命周期：入库、排队、认领、执行与重试。
// 私钥绝不入库或入队，只存在于进程内的保险库中。
package run

import (
	stdErrors "errors"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/agent"
	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/flow"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/invoker"
)

// Status 表示异步运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run 描述一次排队执行的编排请求。Result 在成功后保存最终回复与
// 完整的调用审计；对话历史本身不持久化。
type Run struct {
	ID         string           `json:"id"`
	Edges      []flow.Edge      `json:"tools"`
	Message    string           `json:"message"`
	HasSecret  bool             `json:"has_secret,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *agent.ChatResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示运行已经成功完成。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示运行的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRunNotFound     xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict     xerrors.Code = "RUN_CONFLICT"
	CodeRunCompleted    xerrors.Code = "RUN_COMPLETED"
	CodeRunExhausted    xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeRunValidation   xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish      xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunProcessing   xerrors.Code = "RUN_PROCESSING_FAILED"
	CodeRunSecretLost   xerrors.Code = "RUN_SECRET_LOST"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:   "run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:   "run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:   "run already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:   "run retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:   "run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunProcessing, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunSecretLost, xerrors.Attributes{
		Message:   "run secret no longer available",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsRunError 判断错误是否为指定错误码的运行错误。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeRunNotFound:
		return stdErrors.Is(err, ErrRunNotFound)
	case CodeRunConflict:
		return stdErrors.Is(err, ErrRunConflict)
	case CodeRunCompleted:
		return stdErrors.Is(err, ErrRunCompleted)
	case CodeRunExhausted:
		return stdErrors.Is(err, ErrRunExhausted)
	default:
		return false
	}
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneEdges(edges []flow.Edge) []flow.Edge {
	if edges == nil {
		return nil
	}
	cloned := make([]flow.Edge, len(edges))
	copy(cloned, edges)
	return cloned
}

func cloneResult(result *agent.ChatResult) *agent.ChatResult {
	if result == nil {
		return nil
	}
	clone := *result
	if result.ToolCalls != nil {
		clone.ToolCalls = append([]agent.ToolCallRecord(nil), result.ToolCalls...)
	}
	if result.Results != nil {
		clone.Results = append([]invoker.Result(nil), result.Results...)
	}
	return &clone
}

func cloneRun(run *Run) *Run {
	clone := *run
	clone.Edges = cloneEdges(run.Edges)
	clone.Result = cloneResult(run.Result)
	return &clone
}
