// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package persistence 提供 workflow.Store 的关系型实现（GORM）。

表结构：

  - flow_definitions     — 定义主体以 JSON 存于 body，筛选列单独建索引
  - flow_instances       — 实例快照，status 列用于终态保护
  - flow_execution_logs  — 自增 seq 保证追加顺序，id 唯一

UpdateInstance 以 "status NOT IN 终态" 作为更新条件，终态实例不可再写；
并发取消与执行器的竞争由数据库保证。支持 PostgreSQL、MySQL 与 SQLite
（github.com/glebarez/sqlite，纯 Go）。
*/
package persistence
