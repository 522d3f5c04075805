// 版权所有 2024 BotFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动与优雅关闭。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供
    Start/Run/Shutdown 生命周期方法。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小与
    优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 阻塞运行：Run 等待 ctx 结束（通常来自 signal.NotifyContext）
    或服务异常退出，随后优雅关闭。
  - 错误传播：Errors() 返回异步错误通道。
  - 地址查询：Addr 返回配置地址，ListenAddr 返回实际监听地址，
    便于以 ":0" 启动的测试。
*/
package server
