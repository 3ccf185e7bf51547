// Package config 提供 BlueprintFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的优先级加载，覆盖 HTTP 服务、
// 工作流引擎（节点超时、工作池）、日志、遥测、Prometheus 指标与审计存储。
package config
