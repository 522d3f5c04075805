// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供流程定义、实例生命周期与节点图执行引擎。

# 概述

workflow 包实现 botflow 的核心编排：入站事件（聊天消息、Webhook）经由
Flow Selector 选中的 FlowDefinition 创建 FlowInstance，Engine 从 start
节点出发逐个调用节点处理器，按边条件路由，直至 end 节点、终止错误、
实例超时、节点访问上限或协作式取消。

# 核心接口与类型

  - FlowDefinition    — 带版本的节点图模板（触发类型、优先级、机器人绑定、重试配置）
  - FlowInstance      — 一次执行（状态单调迁移，executionPath 只增不改）
  - FlowExecutionLog  — 每次节点尝试一行，重试追加新行
  - NodeHandler       — 节点处理器契约 Execute(ctx, *NodeInput) (*NodeResult, error)
  - HandlerRegistry   — NodeType → NodeHandler 映射
  - Condition         — 强类型边条件（eq/neq/in/contains/exists/gt/lt）
  - Store             — 持久化端口（MemoryStore 为进程内实现）
  - Engine            — 定义 CRUD、实例创建/执行/取消/查询
  - FlowBuilder       — Fluent API 构建流程定义

# 主要能力

  - 路由：显式条件边 → default 边 → 无条件边，否则 ROUTING 错误
  - 重试：节点级固定间隔重试（RetryConfig），独立于 guard 的指数退避
  - 超时：实例级 deadline；节点可选 data.timeoutMs
  - 环路：MaxNodeVisits 限制单实例节点访问次数
  - 取消：CancelFlowInstance 在下一个节点边界生效，不打断进行中的处理器
  - 导入：ParseDefinitions / LoadDefinitionFile 支持 YAML 与 JSON
  - 观测：zap 日志、OpenTelemetry span、MetricsRecorder
*/
package workflow
