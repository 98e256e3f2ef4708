package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/api/handlers"
	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/experiment/persistence"
	"github.com/BaSui01/abflow/internal/metrics"
	"github.com/BaSui01/abflow/internal/server"
	"github.com/BaSui01/abflow/internal/telemetry"
)

// poolStatsInterval 连接池指标上报间隔
const poolStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 abflow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	telemetry  *telemetry.Providers

	// 领域组件
	store      experiment.Store
	engine     *experiment.Engine
	manager    *experiment.Manager
	aggregator *experiment.Aggregator

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler     *handlers.HealthHandler
	experimentHandler *handlers.ExperimentHandler

	// 指标
	registry         *prometheus.Registry
	metricsCollector *metrics.Collector

	// 后台任务（限流清理、配置监听、连接池指标）
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	shutdownOnce sync.Once
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		telemetry:  otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}

	bgCtx := s.startBackground()

	if err := s.startHTTPServer(bgCtx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("admin_auth", s.cfg.Auth.Enabled()),
		zap.Bool("telemetry", s.telemetry.Enabled()),
	)
	return nil
}

// init 创建存储、指标与领域组件，并导入配置中的实验
func (s *Server) init(ctx context.Context) error {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metricsCollector = metrics.NewCollector("abflow", s.logger, metrics.WithRegisterer(s.registry))

	store, err := persistence.NewStore(ctx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store

	// 启用遥测时指标同时经 OTLP 导出
	var recorder experiment.Recorder = s.metricsCollector
	if s.telemetry.Enabled() {
		recorder = experiment.NewMultiRecorder(s.metricsCollector, s.telemetry.Recorder())
	}

	s.engine = experiment.NewEngine(store, store, s.logger,
		experiment.WithRecorder(recorder),
		experiment.WithTracerProvider(s.telemetry.TracerProvider()),
	)
	s.manager = experiment.NewManager(store, s.logger)
	s.aggregator = experiment.NewAggregator(store, store, s.logger,
		experiment.WithAggregatorRecorder(recorder),
	)

	created, err := s.manager.Seed(ctx, s.cfg.Experiments)
	if err != nil {
		return fmt.Errorf("failed to seed experiments: %w", err)
	}
	if created > 0 {
		s.logger.Info("Experiments imported from config", zap.Int("created", created))
	}

	healthOpts := []handlers.HealthOption{
		handlers.WithVersionInfo(handlers.VersionInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit}),
	}
	backend := s.cfg.Store.Type
	if backend == "" {
		backend = string(persistence.StoreTypeMemory)
	}
	if p, ok := store.(persistence.Pinger); ok {
		healthOpts = append(healthOpts, handlers.WithStoreCheck(backend, p.Ping))
	} else {
		healthOpts = append(healthOpts, handlers.WithStoreCheck(backend, nil))
	}
	if dc, ok := persistence.AsDefinitionCache(store); ok {
		healthOpts = append(healthOpts, handlers.WithDefinitionCache(dc))
	}
	s.healthHandler = handlers.NewHealthHandler(s.logger, healthOpts...)
	s.experimentHandler = handlers.NewExperimentHandler(s.engine, s.manager, s.aggregator, store, s.logger)

	if !s.cfg.Auth.Enabled() {
		s.logger.Warn("No API keys or JWT secret configured, admin endpoints are unauthenticated")
	}
	return nil
}

// startBackground 启动后台任务，返回其生命周期上下文
func (s *Server) startBackground() context.Context {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.cfg.Server.WatchConfig && s.configPath != "" {
		watcher := config.NewWatcher(s.configPath, config.WithWatcherLogger(s.logger))
		watcher.OnReload(s.onConfigReload(bgCtx))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			watcher.Run(bgCtx)
		}()
	}

	if reporter, ok := persistence.AsPoolStatsReporter(s.store); ok {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reportPoolStats(bgCtx, reporter)
		}()
	}
	return bgCtx
}

// onConfigReload 配置文件变化时导入新增的实验，已存在的实验不变
func (s *Server) onConfigReload(ctx context.Context) func(*config.Config) {
	return func(cfg *config.Config) {
		created, err := s.manager.Seed(ctx, cfg.Experiments)
		if err != nil {
			s.logger.Error("Failed to import experiments after config reload", zap.Error(err))
			return
		}
		s.logger.Info("Configuration reloaded", zap.Int("experiments_created", created))
	}
}

func (s *Server) reportPoolStats(ctx context.Context, reporter persistence.PoolStatsReporter) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		dialect, stats := reporter.PoolStats()
		s.metricsCollector.RecordDBConnections(dialect, stats.OpenConnections, stats.Idle)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// healthPaths 健康检查端点，不限流且请求日志降为 Debug
var healthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// routes 构建带中间件链的 API 处理器
func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.healthHandler.HandleLive)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleLive)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion)

	// 调用方接口
	h := s.experimentHandler
	mux.HandleFunc("POST /api/v1/assign", h.HandleAssign)
	mux.HandleFunc("POST /api/v1/conversions", h.HandleConversion)

	// 只读接口
	mux.HandleFunc("GET /api/v1/experiments", h.HandleListExperiments)
	mux.HandleFunc("GET /api/v1/experiments/{name}", h.HandleGetExperiment)
	mux.HandleFunc("GET /api/v1/experiments/{name}/report", h.HandleReport)
	mux.HandleFunc("GET /api/v1/experiments/{name}/sample-size", h.HandleSampleSize)
	mux.HandleFunc("GET /api/v1/reports", h.HandleReportAll)

	// 管理接口
	admin := AdminAuth(s.cfg.Auth, s.logger)
	mux.Handle("POST /api/v1/experiments", admin(http.HandlerFunc(h.HandleCreateExperiment)))
	mux.Handle("PUT /api/v1/experiments/{name}/weights", admin(http.HandlerFunc(h.HandleUpdateWeights)))
	mux.Handle("POST /api/v1/experiments/{name}/pause", admin(http.HandlerFunc(h.HandlePause)))
	mux.Handle("POST /api/v1/experiments/{name}/resume", admin(http.HandlerFunc(h.HandleResume)))
	mux.Handle("POST /api/v1/experiments/{name}/conclude", admin(http.HandlerFunc(h.HandleConclude)))

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.telemetry.TracerProvider()),
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, healthPaths, s.logger))
	}
	return Chain(mux, middlewares...)
}

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		EnableH2C:       s.cfg.Server.EnableH2C,
	}

	s.httpManager = server.NewManager(s.routes(ctx), serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 在独立端口暴露 /metrics，端口为 0 时不启动
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号或 API 服务器异常退出，然后关闭全部组件
func (s *Server) WaitForShutdown(ctx context.Context) error {
	var err error
	if s.httpManager != nil {
		err = s.httpManager.WaitForShutdown(ctx)
	}
	s.Shutdown(context.Background())
	return err
}

// Shutdown 优雅关闭所有服务，可重复调用
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Starting graceful shutdown...")

		// 1. 停止后台任务
		if s.bgCancel != nil {
			s.bgCancel()
		}

		// 2. 关闭 HTTP 服务器
		if s.httpManager != nil {
			if err := s.httpManager.Shutdown(ctx); err != nil {
				s.logger.Error("HTTP server shutdown error", zap.Error(err))
			}
		}

		// 3. 关闭 Metrics 服务器
		if s.metricsManager != nil {
			if err := s.metricsManager.Shutdown(ctx); err != nil {
				s.logger.Error("Metrics server shutdown error", zap.Error(err))
			}
		}

		s.wg.Wait()

		// 4. 关闭存储
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Error("Store close error", zap.Error(err))
			}
		}

		// 5. 刷新遥测数据
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(flushCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}

		s.logger.Info("Graceful shutdown completed")
	})
}
