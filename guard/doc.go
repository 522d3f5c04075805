// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package guard 为节点处理器对外部 AI/服务的调用提供保护层。

# 概述

每次受保护调用按固定顺序经过三道机制：

  - 限流：按 providerID 的固定窗口计数（可选令牌桶）
  - 熔断：按 modelID 统计连续失败，打开后冷却，冷却结束放行单次半开试探
  - 重试：指数退避，可通过 ShouldRetry 谓词跳过不可重试错误

限流与熔断被拒绝的调用不会进入重试。

# 共享状态

计数器位于 CounterStore 接口之后：MemoryStore 适用于单进程部署，
RedisStore 使用 Lua 脚本保证多实例之间的原子读改写。

# 核心接口

  - Guard：ExecuteWithProtection / CheckRateLimit / RecordSuccess / RecordFailure
  - Execute：返回类型化结果的泛型包装
  - CounterStore：窗口与熔断状态存储
  - Observer：拒绝与调用耗时的指标回调
*/
package guard
