// Package api 定义 BlueprintFlow HTTP API 的请求、响应与错误类型。
//
// # API 概览
//
//   - POST /v1/workflows/execute        使用模拟执行器运行一个工作流图
//   - GET  /v1/workflows/{id}/history   查询内存中的执行历史
//   - GET  /v1/workflows/{id}/audit     查询审计记录（启用审计时）
//   - GET  /health, /healthz, /ready, /version, /metrics
//
// # 认证
//
// 配置 server.jwt.secret 或 server.jwt.public_key 后，/v1/ 路由要求
// Bearer Token：
//
//	Authorization: Bearer <token>
//
// # Base URL
//
//	http://localhost:8080
package api
