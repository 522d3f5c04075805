// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 BotFlow 测试的共享工具。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 实例等待: WaitForInstance 轮询异步执行的实例直到终态
  - 数据工具: MustJSON / Reshape

# 子包

  - testutil/mocks: 节点端口替身 ChatPort（脚本化错误、调用记录）与 MessagePort
  - testutil/fixtures: 流程定义样例 ReplyFlow、GreetingFlow、FailingFlow、
    AIReplyFlow 以及 YAML 文档 GreetingYAML

workflow 与 workflow/nodes 的包内测试不能导入本包（会形成导入环），
这些包使用各自测试文件中的替身。

# 使用示例

	ctx := testutil.TestContext(t)
	chat := mocks.NewChatPort("hi").FailNext(nil)
	registry := nodes.NewRegistry(nodes.Ports{AIChat: chat})
*/
package testutil
