// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、实验分配与
存储三个维度。

# 概述

Collector 通过 promauto.With 注册到指定 Registerer（默认全局注册表），
测试中可传入独立的 prometheus.Registry 隔离。Collector 实现
experiment.Recorder，由分配引擎与报告聚合器直接调用。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 实验指标：assignments_total、assignment_fallbacks_total、
    conversions_total、reports_total。实验不存在时 experiment 标签
    统一为 _unknown，防止任意请求参数造成基数膨胀。
  - 存储指标：store_errors_total、store_operation_duration_seconds，
    以及数据库连接池的活跃/空闲连接数 Gauge。
*/
package metrics
