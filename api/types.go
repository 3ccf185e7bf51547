package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/blueprintflow/workflow"
	"github.com/BaSui01/blueprintflow/workflow/simulation"
)

// =============================================================================
// 错误类型
// =============================================================================

// ErrorCode API 错误码
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrInvalidGraph       ErrorCode = "INVALID_GRAPH"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrWorkflowCancelled  ErrorCode = "WORKFLOW_CANCELLED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error 带错误码的结构化错误
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 创建错误
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause 设置底层错误
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus 设置 HTTP 状态码
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable 标记是否可重试
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode 提取错误码，非 *Error 返回空字符串
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// =============================================================================
// 工作流执行类型
// =============================================================================

// ExecuteRequest 工作流执行请求。
// Graph 与 Definition 二选一；节点行为由 simulation.Plan 描述。
type ExecuteRequest struct {
	// 工作流 ID，为空时自动生成
	WorkflowID string `json:"workflow_id,omitempty" example:"wf-1"`
	// 图的记法，例如 [START>A/SUCCESS, A>END/SUCCESS]
	Graph string `json:"graph,omitempty"`
	// 结构化的工作流定义
	Definition *workflow.Definition `json:"definition,omitempty"`
	// 工作流输入
	Input string `json:"input,omitempty"`
	// 整个工作流的超时，例如 1s
	Timeout string `json:"timeout,omitempty" example:"30s"`

	simulation.Plan
}

// ExecuteResponse 工作流执行结果
type ExecuteResponse struct {
	WorkflowID  string                         `json:"workflow_id"`
	ExecutionID string                         `json:"execution_id"`
	Graph       string                         `json:"graph"`
	Status      workflow.EdgeLabel             `json:"status"`
	Cancelled   bool                           `json:"cancelled,omitempty"`
	Nodes       map[string]workflow.NodeStatus `json:"nodes"`
	Errors      []string                       `json:"errors,omitempty"`
	Layers      int                            `json:"layers"`
	Duration    time.Duration                  `json:"duration"`
	Output      simulation.Report              `json:"output"`
}
