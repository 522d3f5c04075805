// 版权所有 2024 BotFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理进程内共享的 Redis 连接。

# 概述

Manager 负责连接生命周期：初始化时 Ping 校验，后台定时健康检查，
Close 时停止检查协程并释放连接。Client 暴露底层客户端，
guard.NewRedisStore 借此在多实例间共享限流与熔断计数；
GetJSON/SetJSON 则服务于 selector.CachedSource 的定义列表缓存。

# 错误语义

  - ErrCacheMiss / IsCacheMiss：键不存在。
  - ErrManagerClosed：管理器关闭后的任何操作。
*/
package cache
