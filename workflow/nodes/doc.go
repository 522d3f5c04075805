// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package nodes 提供流程节点处理器注册表与全部内置节点类型。

# 概述

Registry 实现 workflow.HandlerRegistry，把 NodeType 映射到处理器。
处理器只通过 Ports 中的窄接口访问外部能力；AI 相关调用
（intent、ai_chat，以及 guarded=true 的 http_request）经由 Guard
执行限流、熔断与重试。

# 复合节点

multi_task_* 节点按 sequential 或 parallel 模式执行子任务：

  - sequential + failFast：首个失败后剩余子任务记为 skipped
  - parallel + failFast：首个失败取消共享 context，等待在途子任务结束
  - 输出 {results, hasFailure, completedCount, failedCount}

子任务的 operation 可以是完整节点类型，也可以是本族简写
（multi_task_ai 的 chat 即 ai_chat）。复合节点不能嵌套。

# 模板

字符串配置支持 {{path}} 占位符，按实例变量解析，
另可通过 triggerData. 与 previousOutput. 前缀访问触发数据与上一节点输出。
*/
package nodes
