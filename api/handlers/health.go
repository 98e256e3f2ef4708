package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/abflow/internal/cache"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// 就绪状态
const (
	ReadyStatusReady       = "ready"
	ReadyStatusDegraded    = "degraded"
	ReadyStatusUnavailable = "unavailable"
)

// readyTimeout 单次就绪检查的总超时
const readyTimeout = 5 * time.Second

// DefinitionCache 实验定义缓存的健康视图
type DefinitionCache interface {
	PingCache(ctx context.Context) error
	CacheStats() cache.Stats
}

// HealthHandler 存活、就绪与版本端点。
// 就绪只由实验存储决定：定义缓存故障时读取回源、写入拒绝，服务仍可分配，报告为 degraded。
type HealthHandler struct {
	logger  *zap.Logger
	backend string
	ping    func(ctx context.Context) error
	cache   DefinitionCache
	started time.Time
	version VersionInfo
}

// HealthOption 配置 HealthHandler
type HealthOption func(*HealthHandler)

// WithStoreCheck 设置存储后端名称与连通性检查
func WithStoreCheck(backend string, ping func(ctx context.Context) error) HealthOption {
	return func(h *HealthHandler) {
		h.backend = backend
		h.ping = ping
	}
}

// WithDefinitionCache 在就绪响应中附带定义缓存状态
func WithDefinitionCache(c DefinitionCache) HealthOption {
	return func(h *HealthHandler) { h.cache = c }
}

// WithVersionInfo 设置 /version 与存活响应中的版本
func WithVersionInfo(v VersionInfo) HealthOption {
	return func(h *HealthHandler) { h.version = v }
}

// VersionInfo 构建信息
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// LivenessStatus 存活响应
type LivenessStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version,omitempty"`
}

// ReadinessStatus 就绪响应
type ReadinessStatus struct {
	Status          string          `json:"status"`
	Timestamp       time.Time       `json:"timestamp"`
	Backend         string          `json:"backend"`
	Store           ComponentStatus `json:"store"`
	DefinitionCache *CacheReadiness `json:"definition_cache,omitempty"`
}

// ComponentStatus 单个依赖的检查结果
type ComponentStatus struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// CacheReadiness 定义缓存检查结果与命中统计
type CacheReadiness struct {
	ComponentStatus
	cache.Stats
}

// NewHealthHandler 创建健康检查处理器。未设置存储检查时就绪总是通过。
func NewHealthHandler(logger *zap.Logger, opts ...HealthOption) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		backend: "unknown",
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleLive 处理 /health 与 /healthz，只说明进程在运行
// @Summary 存活检查
// @Tags 健康
// @Produce json
// @Success 200 {object} LivenessStatus "服务运行中"
// @Router /healthz [get]
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, LivenessStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.version.Version,
	})
}

// HandleReady 处理 /ready 与 /readyz
// @Summary 就绪检查
// @Description 检查实验存储连通性，并报告后端类型与定义缓存状态
// @Tags 健康
// @Produce json
// @Success 200 {object} ReadinessStatus "可以接收流量（可能为 degraded）"
// @Failure 503 {object} ReadinessStatus "实验存储不可用"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := ReadinessStatus{
		Status:    ReadyStatusReady,
		Timestamp: time.Now(),
		Backend:   h.backend,
		Store:     h.run(ctx, "store", h.ping),
	}

	if h.cache != nil {
		status.DefinitionCache = &CacheReadiness{
			ComponentStatus: h.run(ctx, "definition_cache", h.cache.PingCache),
			Stats:           h.cache.CacheStats(),
		}
		if status.DefinitionCache.Status != "pass" {
			status.Status = ReadyStatusDegraded
		}
	}

	if status.Store.Status != "pass" {
		status.Status = ReadyStatusUnavailable
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} VersionInfo "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.version)
}

func (h *HealthHandler) run(ctx context.Context, name string, check func(context.Context) error) ComponentStatus {
	if check == nil {
		return ComponentStatus{Status: "pass"}
	}
	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	result := ComponentStatus{Status: "pass", Latency: latency.String()}
	if err != nil {
		result.Status = "fail"
		result.Message = err.Error()
		h.logger.Warn("health check failed",
			zap.String("check", name),
			zap.String("backend", h.backend),
			zap.Error(err),
			zap.Duration("latency", latency),
		)
	}
	return result
}
