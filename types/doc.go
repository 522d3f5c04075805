// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 botflow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、guard、nodes
等上层模块提供统一的错误码与 context 传播约定，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 Retryable、NodeID、ResetAt 标记
  - ErrorChain        — 展开包装错误链，用于实例的 errorStack

# 主要能力

  - Context 传播：WithTraceID / WithInstanceID / WithNodeID / WithRobotID
  - 错误工具链：AsError / GetErrorCode / IsErrorCode / IsRetryable / IsClientError
*/
package types
