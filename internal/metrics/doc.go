// 版权所有 2024 BotFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集。

# 概述

Collector 通过 promauto.With 注册到调用方传入的 Registerer，
测试中每个用例可以使用独立的 prometheus.NewRegistry。

# 指标分组

  - HTTP：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 流程：实例结束计数与耗时（按 status），节点尝试计数与耗时（按 node_type）。
  - AI 保护层：拒绝计数（按 reason），调用计数与耗时（按 provider/model）。
  - 数据库：连接池 Gauge，由 database.PoolManager 健康检查时推送。

Collector 同时满足 workflow.MetricsRecorder、guard.Observer 与
database.StatsObserver 三个接口。
*/
package metrics
