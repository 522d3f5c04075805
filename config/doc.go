// Package config 提供 BotFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → BOTFLOW_ 前缀环境变量 的顺序叠加，
// 各模块（guard、database、pool）的配置结构直接嵌入，
// 环境变量键名按嵌套层级拼接，如 BOTFLOW_GUARD_RATE_LIMIT_LIMIT。
// FileWatcher 轮询文件修改时间，供流程定义目录的热导入使用。
package config
