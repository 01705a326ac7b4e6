package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"P2PLend-Chain/internal/auth"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/job"
	"P2PLend-Chain/internal/lending"
	"P2PLend-Chain/internal/observability/metrics"
	"P2PLend-Chain/pkg/logger"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	maxRequestBody         = 1 << 20
)

// Server 负责暴露作业提交与查询的 REST 接口。
type Server struct {
	addr            string
	jobs            *job.Service
	metrics         *metrics.Metrics
	auth            *auth.Service
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithMetrics 挂载 /metrics 并为每个接口记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAuth 要求 /api/v1 下的接口携带 Bearer 令牌：GET 需要 jobs:read，
// POST 需要 jobs:submit。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs *job.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		jobs:            jobs,
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/jobs", "jobs_submit", s.protect(s.handleSubmitJob))
	s.route(mux, "GET /api/v1/jobs", "jobs_list", s.protect(s.handleListJobs))
	s.route(mux, "GET /api/v1/jobs/stats", "jobs_stats", s.protect(s.handleJobStats))
	s.route(mux, "GET /api/v1/jobs/{id}", "jobs_detail", s.protect(s.handleJobDetail))
	s.route(mux, "GET /healthz", "healthz", http.HandlerFunc(s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.Handler) {
	if s.metrics != nil {
		mux.Handle(pattern, s.metrics.Middleware(name, handler))
		return
	}
	mux.Handle(pattern, handler)
}

func (s *Server) protect(handler http.HandlerFunc) http.Handler {
	if s.auth == nil {
		return handler
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermJobsRead},
			http.MethodPost: {auth.PermJobsSubmit},
		},
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			writeError(w, err)
		},
	})(handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	var req job.SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	created, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		s.logger.Info("作业已提交", slog.String("job_id", created.ID), slog.String("subject", subject.Name))
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少作业 ID"))
		return
	}
	found, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": stats})
}

// parseListOptions 将查询参数转换为作业过滤条件。
func parseListOptions(r *http.Request) ([]job.ListOption, error) {
	query := r.URL.Query()
	var opts []job.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, invalidQuery("limit", raw)
		}
		opts = append(opts, job.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, invalidQuery("offset", raw)
		}
		opts = append(opts, job.WithOffset(offset))
	}

	var statuses []job.Status
	for _, value := range splitValues(query["status"]) {
		status := job.Status(strings.ToLower(value))
		if !job.IsValidStatus(status) {
			return nil, invalidQuery("status", value)
		}
		statuses = append(statuses, status)
	}
	if len(statuses) > 0 {
		opts = append(opts, job.WithStatuses(statuses...))
	}

	var ops []lending.Operation
	for _, value := range splitValues(query["operation"]) {
		op, err := lending.ParseOperation(value)
		if err != nil {
			return nil, invalidQuery("operation", value)
		}
		ops = append(ops, op)
	}
	if len(ops) > 0 {
		opts = append(opts, job.WithOperations(ops...))
	}

	if raw := query.Get("since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, invalidQuery("since", raw)
		}
		opts = append(opts, job.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, invalidQuery("until", raw)
		}
		opts = append(opts, job.WithUpdatedUntil(ts))
	}
	if raw := query.Get("has_result"); raw != "" {
		present, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalidQuery("has_result", raw)
		}
		opts = append(opts, job.WithResultPresence(present))
	}
	switch order := strings.ToLower(query.Get("order")); order {
	case "", "desc":
	case "asc":
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	default:
		return nil, invalidQuery("order", order)
	}
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		opts = append(opts, job.WithQuery(q))
	}
	return opts, nil
}

// parseTimestamp 支持 RFC3339 与 Unix 秒两种格式。
func parseTimestamp(raw string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func splitValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func invalidQuery(param, value string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "查询参数无效",
		xerrors.WithMetadata("param", param),
		xerrors.WithMetadata("value", value),
	)
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorResponse{
		Code:     string(code),
		Message:  errorMessage(err),
		Metadata: xerrors.MetadataOf(err),
	})
}

// errorMessage 去掉错误码前缀，错误码单独放在响应的 code 字段中。
func errorMessage(err error) string {
	e, ok := xerrors.From(err)
	if !ok {
		return err.Error()
	}
	if cause := e.Unwrap(); cause != nil {
		return e.Message() + ": " + cause.Error()
	}
	return e.Message()
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, job.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, job.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, job.CodeJobConflict, job.CodeJobCompleted:
		return http.StatusConflict
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeInitializationFailure, job.CodeJobPublish, xerrors.CodeQueueFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
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
