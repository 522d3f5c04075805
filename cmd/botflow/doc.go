// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 BotFlow 服务端程序入口。

# 概述

cmd/botflow 把流程引擎、AI 调用保护层、节点注册表与流程选择器组装为
一个 HTTP 服务，并提供定义导入、建表、健康检查和版本查询等子命令。

# 核心类型

  - App         — 持有存储、缓存、保护层、执行池与引擎，负责启动与按序关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、import、migrate、version、health
  - 存储：postgres / mysql / sqlite（GORM），启动时 AutoMigrate
  - Redis 启用时：保护层计数跨进程共享，流程定义列表短时缓存
  - 定义目录：启动时导入，watch_flows 开启后文件变更自动重新导入
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing、MetricsMiddleware、RateLimiter（按 IP）、APIKeyAuth
  - 指标：/metrics（Prometheus），OTLP 导出由 telemetry 配置控制
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
