package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/api"
	"github.com/BaSui01/blueprintflow/internal/ctxkeys"
)

// maxBodyBytes 请求体大小上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 编码失败时响应头已写出，只能放弃
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteError 写入错误响应
func WriteError(w http.ResponseWriter, r *http.Request, err *api.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	info := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}
	if err.Cause != nil {
		info.Details = err.Cause.Error()
	}

	if logger != nil {
		level := logger.Warn
		if status >= http.StatusInternalServerError {
			level = logger.Error
		}
		level("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.String("request_id", requestID(r)),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, code api.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, r, api.NewError(code, message).WithHTTPStatus(status), logger)
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := ctxkeys.RequestID(r.Context())
	return id
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code api.ErrorCode) int {
	switch code {
	case api.ErrInvalidRequest, api.ErrInvalidGraph:
		return http.StatusBadRequest
	case api.ErrUnauthorized:
		return http.StatusUnauthorized
	case api.ErrForbidden:
		return http.StatusForbidden
	case api.ErrNotFound:
		return http.StatusNotFound
	case api.ErrRateLimited:
		return http.StatusTooManyRequests
	case api.ErrTimeout:
		return http.StatusGatewayTimeout
	case api.ErrWorkflowCancelled:
		// nginx 风格的 client closed request
		return 499
	case api.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体（1 MB 限制，拒绝未知字段）
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := api.NewError(api.ErrInvalidRequest, "request body is empty")
		WriteError(w, r, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := api.NewError(api.ErrInvalidRequest, "invalid JSON body").WithCause(err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apiErr.WithHTTPStatus(http.StatusRequestEntityTooLarge)
		}
		WriteError(w, r, apiErr, logger)
		return apiErr
	}

	return nil
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "application/json; charset=utf-8" {
		WriteError(w, r, api.NewError(api.ErrInvalidRequest, "Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType), logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap 供 http.ResponseController 使用
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
