// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 BlueprintFlow 提供 TracerProvider 与 MeterProvider（OTLP gRPC 导出）。
// 遥测禁用时使用 noop 实现，不连接任何外部服务；Tracer 与 Shutdown
// 在 nil 的 *Providers 上同样安全。
package telemetry
