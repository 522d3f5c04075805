// 版权所有 2024 BotFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package telemetry 为流程引擎提供 OpenTelemetry trace 与指标。
//
// Init 按 telemetry 配置创建 OTLP gRPC 导出器，service.name、service.version
// 与主机名写入 resource；根 span 按 sample_rate 采样，上游已采样的请求始终记录。
// 禁用时不连接任何外部服务，Tracer/Meter 回落到全局 noop 实现。
// FlowMetrics 把实例与节点尝试记录为 OTel 指标，与 Prometheus 采集器并行工作。
package telemetry
