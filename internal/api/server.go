package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/agent"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/catalog"
	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/observability/metrics"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/run"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/web3"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/workflow"
)

// Server 负责暴露 REST 接口，供外部构建工作流并驱动智能体执行。
type Server struct {
	addr    string
	agent   *agent.Agent
	runs    *run.Service
	builder *workflow.Builder
	catalog *catalog.Catalog
}

// NewServer 构造 API 服务实例。runs 与 builder 允许为空，对应的接口会
// 返回 503。
func NewServer(addr string, ag *agent.Agent, runs *run.Service, builder *workflow.Builder, cat *catalog.Catalog) *Server {
	return &Server{addr: addr, agent: ag, runs: runs, builder: builder, catalog: cat}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agent/chat", instrument("agent_chat", s.handleChat))
	mux.HandleFunc("/api/v1/agent/runs", instrument("agent_runs", s.handleRuns))
	mux.HandleFunc("/api/v1/agent/runs/stats", instrument("agent_run_stats", s.handleRunStats))
	mux.HandleFunc("/api/v1/agent/runs/", instrument("agent_run_detail", s.handleRunDetail))
	mux.HandleFunc("/api/v1/workflows", instrument("workflows", s.handleWorkflows))
	mux.HandleFunc("/api/v1/tools", instrument("tools", s.handleTools))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleChat 同步驱动一次编排并返回最终结果。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.agent == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}

	var req agent.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.PrivateKey != "" {
		if err := web3.ValidatePrivateKey(req.PrivateKey); err != nil {
			http.Error(w, "私钥格式无效", http.StatusBadRequest)
			return
		}
	}

	result, err := s.agent.Chat(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRuns 处理运行的提交与列表查询。
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req run.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.PrivateKey != "" {
		if err := web3.ValidatePrivateKey(req.PrivateKey); err != nil {
			http.Error(w, "私钥格式无效", http.StatusBadRequest)
			return
		}
	}

	created, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts, ok := parseRunFilters(w, query)
	if !ok {
		return
	}

	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithOffset(parsed))
		}
	}

	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRunStats 返回运行的聚合统计，支持与列表相同的过滤参数。
func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}

	opts, ok := parseRunFilters(w, r.URL.Query())
	if !ok {
		return
	}

	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseRunFilters 解析列表与统计共用的过滤参数。无效状态会直接写出
// 400，此时第二个返回值为 false。
func parseRunFilters(w http.ResponseWriter, query url.Values) ([]run.ListOption, bool) {
	opts := make([]run.ListOption, 0, 4)

	if raw := query.Get("status"); raw != "" {
		statuses := make([]run.Status, 0, 2)
		for _, part := range strings.Split(raw, ",") {
			status := run.Status(strings.TrimSpace(part))
			if !run.IsValidStatus(status) {
				http.Error(w, "无效的运行状态: "+string(status), http.StatusBadRequest)
				return nil, false
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if raw := query.Get("has_result"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			opts = append(opts, run.WithResultPresence(parsed))
		}
	}
	return opts, true
}

// handleRunDetail 返回单个运行的当前状态。
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/agent/runs/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "运行 ID 无效", http.StatusBadRequest)
		return
	}

	found, err := s.runs.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// handleWorkflows 将自然语言描述翻译为工作流定义。
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.builder == nil {
		http.Error(w, "工作流构建器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req workflow.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	built, err := s.builder.Build(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, built)
}

// handleTools 返回目录中的全部工具定义。
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		http.Error(w, "工具目录未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.catalog.Specs()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusForError 将内部错误码映射为 HTTP 状态码。
func statusForError(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeUnknownTool, xerrors.CodeMalformedArguments, run.CodeRunValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, run.CodeRunNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, run.CodeRunConflict:
		return http.StatusConflict
	case xerrors.CodeProviderFailure, run.CodeRunPublish:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为处理器记录请求量与耗时指标。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
