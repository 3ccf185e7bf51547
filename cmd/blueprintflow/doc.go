/*
Package main 提供 blueprintflow 命令行程序。

# 子命令

  - run：使用模拟执行器运行工作流图，每个输入一个实例，逐行输出 JSON 报告
  - validate：解析图并以记法、YAML 或 JSON 输出规范形式
  - serve：启动 HTTP API（工作流执行、执行历史、审计、健康检查、/metrics）
  - version、help

# 中间件链

Recovery、RequestID、SecurityHeaders、OTelTracing、RequestLogger、
MetricsMiddleware、RateLimiter（基于 IP），以及配置了密钥时作用于
/v1/ 路由的 JWTAuth。

Version、BuildTime、GitCommit 通过 ldflags 注入。
*/
package main
