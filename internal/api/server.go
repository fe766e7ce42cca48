package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"BuyBack-Agent/internal/auth"
	"BuyBack-Agent/internal/buyback"
	xerrors "BuyBack-Agent/internal/errors"
	"BuyBack-Agent/internal/job"
	"BuyBack-Agent/internal/observability/metrics"
)

// Server 负责暴露 REST 接口，供外部驱动买回代理执行。
type Server struct {
	addr     string
	jobs     *job.Service
	agent    *buyback.Agent
	auth     *auth.Service
	operator common.Address
}

// NewServer 构造 API 服务实例。operator 是鉴权关闭时使用的默认调用地址。
func NewServer(addr string, jobs *job.Service, agent *buyback.Agent, authSvc *auth.Service, operator common.Address) *Server {
	return &Server{addr: addr, jobs: jobs, agent: agent, auth: authSvc, operator: operator}
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
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
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

// Handler 组装全部路由与中间件。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/buybacks", s.guard(
		map[string][]string{
			http.MethodPost: {auth.PermissionSubmit},
			http.MethodGet:  {auth.PermissionRead},
		},
		"buybacks",
		http.HandlerFunc(s.handleBuyBacks),
	))
	mux.Handle("/api/v1/buybacks/stats", s.guard(
		map[string][]string{"*": {auth.PermissionRead}},
		"buyback_stats",
		http.HandlerFunc(s.handleStats),
	))
	mux.Handle("/api/v1/claims", s.guard(
		map[string][]string{http.MethodPost: {auth.PermissionClaim}},
		"claims",
		http.HandlerFunc(s.handleClaims),
	))
	mux.Handle("/api/v1/withdrawals", s.guard(
		map[string][]string{http.MethodPost: {auth.PermissionWithdraw}},
		"withdrawals",
		http.HandlerFunc(s.handleWithdrawals),
	))
	mux.Handle("/api/v1/owner", s.guard(
		map[string][]string{"*": {auth.PermissionRead}},
		"owner",
		http.HandlerFunc(s.handleOwner),
	))
	return mux
}

// guard 套上鉴权与指标中间件。
func (s *Server) guard(perms map[string][]string, name string, next http.Handler) http.Handler {
	handler := observe(name, next)
	if s.auth != nil && s.auth.Enabled() {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: perms,
			AuditEvent:          name,
		})(handler)
	}
	return handler
}

// caller 解析本次请求生效的链上调用地址。
func (s *Server) caller(r *http.Request) common.Address {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.Address
	}
	return s.operator
}

func (s *Server) handleBuyBacks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitBuyBack(w, r)
	case http.MethodGet:
		s.handleQueryBuyBacks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitBuyBack 处理创建买回作业的请求。
func (s *Server) handleSubmitBuyBack(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "作业服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	created, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

// handleQueryBuyBacks 处理作业查询。携带 id 参数时返回单个作业，
// 否则按过滤条件列出。
func (s *Server) handleQueryBuyBacks(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "作业服务未初始化", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("id")); id != "" {
		found, err := s.jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
		return
	}

	opts := listOptionsFromQuery(query)
	results, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		http.Error(w, "作业服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := listOptionsFromQuery(r.URL.Query())
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// claimResponse 是 /claims 的响应体。
type claimResponse struct {
	Claimed string `json:"claimed"`
}

func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.agent == nil {
		http.Error(w, "买回代理未初始化", http.StatusServiceUnavailable)
		return
	}
	claimed, err := s.agent.ClaimRewards(r.Context(), s.caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Claimed: claimed.String()})
}

// withdrawRequest 是 /withdrawals 的请求体。To 省略时默认提取到所有者地址。
type withdrawRequest struct {
	To string `json:"to,omitempty"`
}

// withdrawResponse 是 /withdrawals 的响应体。
type withdrawResponse struct {
	Amount string `json:"amount"`
	To     string `json:"to"`
	TxHash string `json:"tx_hash,omitempty"`
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.agent == nil {
		http.Error(w, "买回代理未初始化", http.StatusServiceUnavailable)
		return
	}
	var req withdrawRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
	}
	to := s.agent.Owner()
	if trimmed := strings.TrimSpace(req.To); trimmed != "" {
		if !common.IsHexAddress(trimmed) {
			http.Error(w, "to 地址非法", http.StatusBadRequest)
			return
		}
		to = common.HexToAddress(trimmed)
	}
	amount, txHash, err := s.agent.WithdrawTarget(r.Context(), s.caller(r), to)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := withdrawResponse{Amount: amount.String(), To: to.Hex()}
	if txHash != (common.Hash{}) {
		resp.TxHash = txHash.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ownerResponse 是 /owner 的响应体。
type ownerResponse struct {
	Owner string `json:"owner"`
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.agent == nil {
		http.Error(w, "买回代理未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, ownerResponse{Owner: s.agent.Owner().Hex()})
}

// listOptionsFromQuery 将查询参数转换为列表过滤条件。
func listOptionsFromQuery(query map[string][]string) []job.ListOption {
	get := func(key string) string {
		if values := query[key]; len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}

	var opts []job.ListOption
	if raw := get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, job.WithLimit(parsed))
		}
	}
	if raw := get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, job.WithOffset(parsed))
		}
	}
	if raw := get("status"); raw != "" {
		statuses := make([]job.Status, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, job.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := get("since"); raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil && ts > 0 {
			opts = append(opts, job.WithUpdatedSince(time.Unix(ts, 0)))
		}
	}
	if raw := get("until"); raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil && ts > 0 {
			opts = append(opts, job.WithUpdatedUntil(time.Unix(ts, 0)))
		}
	}
	if raw := get("has_result"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			opts = append(opts, job.WithResultPresence(parsed))
		}
	}
	if raw := get("order"); strings.EqualFold(raw, "asc") {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	if raw := get("q"); raw != "" {
		opts = append(opts, job.WithQuery(raw))
	}
	return opts
}

// errorResponse 是统一的错误响应体。
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 将统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case job.CodeJobValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case job.CodeJobNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case job.CodeJobConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeUnauthorized:
		status = http.StatusForbidden
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// observe 记录请求级指标。
func observe(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

// statusRecorder 捕获响应状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层实现。
func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
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
