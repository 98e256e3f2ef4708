package main

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/abflow/api/handlers"
	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/internal/metrics"
	"github.com/BaSui01/abflow/types"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个中间件位于最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					handlers.WriteError(w, r,
						types.NewError(types.ErrInternalError, "internal server error"), nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := types.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			// 探针请求频繁，降为 Debug
			if isHealthPath(r.URL.Path) {
				logger.Debug("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

// =============================================================================
// MetricsMiddleware
// =============================================================================

// MetricsMiddleware 通过 metrics.Collector 记录请求耗时、状态码与大小。
// 路径标签经 normalizePath 归一化，避免实验名造成高基数。
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			collector.RecordHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				rw.StatusCode,
				time.Since(start),
				requestSize,
				rw.BytesWritten,
			)
		})
	}
}

// experimentSubresources /api/v1/experiments/{name}/ 之下的已知子路径
var experimentSubresources = map[string]struct{}{
	"report":      {},
	"sample-size": {},
	"weights":     {},
	"pause":       {},
	"resume":      {},
	"conclude":    {},
}

// normalizePath 将路径映射为有界的标签集合：
//
//	/api/v1/experiments/trial_length/report -> /api/v1/experiments/{name}/report
//	/favicon.ico                           -> unmatched
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/readyz", "/version", "/metrics",
		"/api/v1/assign", "/api/v1/conversions",
		"/api/v1/experiments", "/api/v1/reports":
		return path
	}

	const prefix = "/api/v1/experiments/"
	if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
		name, sub, hasSub := strings.Cut(rest, "/")
		if name == "" {
			return "unmatched"
		}
		if !hasSub {
			return prefix + "{name}"
		}
		if _, known := experimentSubresources[sub]; known {
			return prefix + "{name}/" + sub
		}
	}
	return "unmatched"
}

// =============================================================================
// OTelTracing
// =============================================================================

// OTelTracing 为每个请求创建服务端 span，并从请求头提取上游 trace 上下文
func OTelTracing(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer("abflow/http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			spanName := r.Method + " " + normalizePath(r.URL.Path)
			ctx, span := tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.HTTPRoute(normalizePath(r.URL.Path)),
				),
			)
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// =============================================================================
// AdminAuth
// =============================================================================

// AdminAuth 保护实验管理接口。接受 X-API-Key（可选 ?api_key=）或
// Authorization: Bearer <HS256 JWT>，任一通过即可。未配置任何凭据时放行。
func AdminAuth(cfg config.AuthConfig, logger *zap.Logger) Middleware {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}

	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}

	var parser *jwt.Parser
	secret := []byte(cfg.JWT.Secret)
	if len(secret) > 0 {
		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
		if cfg.JWT.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(cfg.JWT.Issuer))
		}
		if cfg.JWT.Audience != "" {
			opts = append(opts, jwt.WithAudience(cfg.JWT.Audience))
		}
		parser = jwt.NewParser(opts...)
	}

	matchKey := func(key string) bool {
		if key == "" {
			return false
		}
		ok := false
		for _, k := range keys {
			// 遍历全部 key，避免提前返回泄露匹配位置
			if subtle.ConstantTimeCompare([]byte(key), k) == 1 {
				ok = true
			}
		}
		return ok
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" && cfg.AllowQueryAPIKey {
				key = r.URL.Query().Get("api_key")
			}
			if matchKey(key) {
				next.ServeHTTP(w, r)
				return
			}

			if parser != nil {
				if tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					claims := jwt.MapClaims{}
					_, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
						return secret, nil
					})
					if err == nil {
						ctx := r.Context()
						if tenantID, ok := claims["tenant_id"].(string); ok && tenantID != "" {
							ctx = types.WithTenantID(ctx, tenantID)
						}
						next.ServeHTTP(w, r.WithContext(ctx))
						return
					}
					logger.Debug("JWT validation failed", zap.Error(err))
				}
			}

			handlers.WriteErrorMessage(w, r, http.StatusUnauthorized, types.ErrUnauthorized,
				"missing or invalid credentials", logger)
		})
	}
}

// =============================================================================
// RateLimiter
// =============================================================================

// RateLimiter 基于 IP 的令牌桶限流，skipPaths 中的路径不限流
func RateLimiter(ctx context.Context, rps float64, burst int, skipPaths []string, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	skipSet := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = struct{}{}
	}

	// 后台清理过期 visitor
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				handlers.WriteErrorMessage(w, r, http.StatusTooManyRequests, types.ErrRateLimited,
					"too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// CORS
// =============================================================================

// CORS 跨域中间件。allowedOrigins 为空时不设置任何 CORS 头，预检请求返回 403。
func CORS(allowedOrigins []string) Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, allowed := originSet[origin]
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// RequestID / SecurityHeaders
// =============================================================================

// maxRequestIDLength 客户端提供的 X-Request-ID 超过此长度时重新生成
const maxRequestIDLength = 128

// RequestID 为每个请求分配 X-Request-ID 并写入 context，客户端已提供时沿用
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > maxRequestIDLength {
				id = "req-" + uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
		})
	}
}

// SecurityHeaders 添加通用安全响应头
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

func isHealthPath(path string) bool {
	for _, p := range healthPaths {
		if p == path {
			return true
		}
	}
	return false
}
