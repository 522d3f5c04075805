// 版权所有 2024 BotFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

# 概述

Open 按驱动名（postgres / mysql / sqlite）构造方言并建立连接，
PoolManager 封装 GORM 与 database/sql 的连接池参数、后台健康检查
与事务重试。workflow/persistence 通过 WithTransactionRetry 写入实例状态。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close() 等生命周期方法。
  - PoolConfig：最大空闲/打开连接数、生命周期与健康检查间隔。
  - StatsObserver：健康检查后接收 PoolStats，用于导出指标。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 多驱动：PostgreSQL、MySQL、纯 Go SQLite（无需 cgo）。
  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 事务重试：死锁、序列化失败、SQLite busy 等瞬时错误指数退避重试。
*/
package database
