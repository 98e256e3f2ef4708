// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 abflow HTTP 服务器的生命周期管理，支持非阻塞启动、
优雅关闭、系统信号监听与明文 HTTP/2（h2c）。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供
    Start/Shutdown/WaitForShutdown 等生命周期方法。
  - Config：监听地址、读写与空闲超时、最大请求头大小、
    优雅关闭超时，以及 EnableH2C 开关。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内排空请求。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM 或 ctx 取消后
    触发优雅关闭，服务异常退出时返回错误。
  - h2c：开启后通过 golang.org/x/net/http2/h2c 同时接受 HTTP/1.1
    与明文 HTTP/2 请求。
*/
package server
