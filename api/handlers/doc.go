// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 BotFlow HTTP API 的请求处理器实现。

# 核心类型

  - FlowHandler    — 触发流程、管理流程定义与实例、查询执行日志
  - HealthHandler  — 存活/就绪探针与版本信息（/healthz, /readyz, /version）
  - Response       — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo      — 结构化错误信息，含 code、message、retryable、reset_at
  - ResponseWriter — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck    — 可插拔健康检查接口，PingCheck 覆盖数据库与 Redis

# 错误映射

types.ErrorCode 经 HTTPStatus 映射为状态码。5xx 响应不回显内部原因，
带 ResetAt 的错误（限流、熔断）额外写出 Retry-After 头。
*/
package handlers
