/*
Package handlers 提供 BlueprintFlow HTTP API 的请求处理器。

# 核心类型

  - WorkflowHandler：执行工作流图（模拟执行器）、查询执行历史与审计记录
  - HealthHandler：/health、/healthz、/ready、/version
  - Response / ErrorInfo：统一 JSON 响应结构
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码

所有 Handler 均为标准 net/http 处理函数，由 cmd/blueprintflow 注册到
http.ServeMux。错误通过 api.Error 描述，错误码自动映射为 HTTP 状态码。
*/
package handlers
