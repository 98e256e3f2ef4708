// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 abflow HTTP API 的请求处理器实现。

# 概述

handlers 包实现分配、转化、实验管理、报告与健康检查端点，
全部基于标准 net/http 接口与 Go 1.22 路由模式（r.PathValue）。

# 核心类型

  - ExperimentHandler：分配/转化（始终成功）、实验生命周期、报告与样本量规划
  - HealthHandler：存活（/health, /healthz）、就绪（/ready，含存储后端与定义缓存状态）与版本
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo：结构化错误信息，含 code、message、experiment、retryable
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码与响应大小
  - DefinitionCache：定义缓存的健康视图，缓存故障时就绪报告 degraded

# 错误映射

ToAPIError 将 experiment 包的哨兵错误映射为 types.Error：
实验不存在为 404，重复创建为 409，非法状态迁移为 409，
存储不可用为 503（可重试），其余输入错误为 400。
*/
package handlers
