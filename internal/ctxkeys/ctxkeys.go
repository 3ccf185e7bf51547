package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	workflowIDKey contextKey = "workflow_id"
	nodeIDKey     contextKey = "node_id"
	requestIDKey  contextKey = "request_id"
	tenantIDKey   contextKey = "tenant_id"
	userIDKey     contextKey = "user_id"
)

// WithWorkflowID 设置工作流实例 ID
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowIDKey, workflowID)
}

// WorkflowID 获取工作流实例 ID
func WorkflowID(ctx context.Context) (string, bool) {
	return stringValue(ctx, workflowIDKey)
}

// WithNodeID 设置当前执行的节点 ID
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

// NodeID 获取当前执行的节点 ID
func NodeID(ctx context.Context) (string, bool) {
	return stringValue(ctx, nodeIDKey)
}

// WithRequestID 设置请求 ID（HTTP 中间件与 CLI 注入）
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// WithTenantID 设置租户 ID（JWT tenant_id 声明）
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID 获取租户 ID
func TenantID(ctx context.Context) (string, bool) {
	return stringValue(ctx, tenantIDKey)
}

// WithUserID 设置用户 ID（JWT sub 或 user_id 声明）
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID 获取用户 ID
func UserID(ctx context.Context) (string, bool) {
	return stringValue(ctx, userIDKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
