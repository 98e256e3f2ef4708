// Package telemetry 为 abflow 接入 OpenTelemetry。
//
// Init 按配置创建 OTLP gRPC 导出的 TracerProvider 与 MeterProvider；
// 禁用时不创建导出器，不连接任何外部服务。
// 分配引擎与 HTTP 中间件通过 Providers.TracerProvider 创建 span，
// MeterRecorder 以 OTel 计量仪表实现 experiment.Recorder，
// 与 Prometheus 收集器并行上报分配、回落、转化与存储指标。
package telemetry
