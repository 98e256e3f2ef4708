// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 abflow 服务端程序入口。

# 概述

cmd/abflow 是实验分配服务的可执行入口，提供 HTTP API 服务、离线报告、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集、OpenTelemetry 追踪以及配置热重载。

# 核心类型

  - Server      主服务器，管理 API 与 Metrics 双端口及优雅关闭
  - Middleware  HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、report、migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter（基于 IP）
  - 管理接口认证：AdminAuth 接受 X-API-Key 或 HS256 JWT
  - 配置热重载：config.Watcher 发现新增实验后导入
  - 优雅关闭：信号监听 → 停止后台任务 → 关闭 HTTP → 关闭 Metrics → 关闭存储 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
