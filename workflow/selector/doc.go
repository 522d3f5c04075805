// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package selector 为入站触发选择要运行的流程定义。

候选集为：处于激活状态、触发类型一致、机器人绑定为空或与请求一致的定义。
内置策略：

  - DEFAULT_FIRST    — 返回 isDefault=true 的候选
  - HIGHEST_PRIORITY — 按 priority 降序、createdAt 升序取第一个
  - ALL_MATCHED      — 返回全部候选（priority 降序，稳定排序）
  - SINGLE           — 按显式 FlowID 选择，仍要求激活

策略可通过 RegisterStrategy 扩展。GetDefaultFlow 在没有默认流程时返回 nil, nil。
*/
package selector
