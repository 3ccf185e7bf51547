package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
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

	"github.com/BaSui01/blueprintflow/api"
	"github.com/BaSui01/blueprintflow/api/handlers"
	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/ctxkeys"
	"github.com/BaSui01/blueprintflow/internal/metrics"
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
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					handlers.WriteErrorMessage(w, r, http.StatusInternalServerError, api.ErrInternalError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 为每个请求分配 X-Request-ID 并写入 context；客户端提供的 ID 保持不变。
// 工作流审计记录通过 ctxkeys.RequestID 关联到请求。
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
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

			requestID, _ := ctxkeys.RequestID(r.Context())
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", requestID),
			)
		})
	}
}

// SecurityHeaders 添加常用安全响应头
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 📊 MetricsMiddleware
// =============================================================================

// MetricsMiddleware 通过 metrics.Collector 记录请求数与耗时。
// 路径中的工作流 ID 会被归一化，避免标签基数膨胀。
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode, time.Since(start))
		})
	}
}

// normalizePath 将 /v1/workflows/{id}/... 中的 id 替换为 :id
//
//	/v1/workflows/wf-42/history -> /v1/workflows/:id/history
//	/v1/workflows/execute       -> /v1/workflows/execute
func normalizePath(path string) string {
	const prefix = "/v1/workflows/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "execute" {
		return path
	}
	if _, tail, found := strings.Cut(rest, "/"); found {
		return prefix + ":id/" + tail
	}
	return prefix + ":id"
}

// =============================================================================
// 🔭 OTelTracing
// =============================================================================

// OTelTracing 为每个请求创建 server span，并从请求头提取上游 trace context。
// 工作流 span 会成为该 span 的子 span。
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			tracer := otel.Tracer("blueprintflow/http")
			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
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
// 🚦 RateLimiter
// =============================================================================

// RateLimiter 基于客户端 IP 的令牌桶限流。rps <= 0 时不限流。
// ctx 结束时后台清理 goroutine 退出。
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}

	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

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
				logger.Debug("rate limit exceeded", zap.String("ip", ip))
				handlers.WriteError(w, r, api.NewError(api.ErrRateLimited, "too many requests").WithRetryable(true), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 🔐 JWTAuth
// =============================================================================

// JWTAuth 校验 Authorization: Bearer 令牌（HS256 或 RS256），仅作用于
// protectedPrefix 下的路径。声明中的 tenant_id 与 sub/user_id 写入 context。
func JWTAuth(cfg config.JWTConfig, protectedPrefix string, logger *zap.Logger) Middleware {
	var rsaKey *rsa.PublicKey
	if cfg.PublicKey != "" {
		if block, _ := pem.Decode([]byte(cfg.PublicKey)); block != nil {
			if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
				rsaKey, _ = pub.(*rsa.PublicKey)
			}
		}
		if rsaKey == nil {
			logger.Warn("failed to parse RSA public key, RS256 verification disabled")
		}
	}
	hmacSecret := []byte(cfg.Secret)

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(hmacSecret) == 0 {
				return nil, fmt.Errorf("HMAC secret not configured")
			}
			return hmacSecret, nil
		case "RS256":
			if rsaKey == nil {
				return nil, fmt.Errorf("RSA public key not configured")
			}
			return rsaKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, protectedPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenStr == "" {
				handlers.WriteErrorMessage(w, r, http.StatusUnauthorized, api.ErrUnauthorized, "missing or malformed Authorization header", nil)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, parserOpts...)
			if err != nil || !token.Valid {
				logger.Debug("JWT validation failed", zap.Error(err))
				handlers.WriteErrorMessage(w, r, http.StatusUnauthorized, api.ErrUnauthorized, "invalid or expired token", nil)
				return
			}

			ctx := r.Context()
			if tenantID, ok := claims["tenant_id"].(string); ok && tenantID != "" {
				ctx = ctxkeys.WithTenantID(ctx, tenantID)
			}
			userID, _ := claims["user_id"].(string)
			if userID == "" {
				userID, _ = claims.GetSubject()
			}
			if userID != "" {
				ctx = ctxkeys.WithUserID(ctx, userID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
