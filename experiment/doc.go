// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 experiment 提供实验分桶、转化记录与统计显著性分析的核心引擎。

# 概述

本包将受试者（租户 / 用户）确定性地分配到实验变体中，记录转化事件，
并以双比例 z 检验比较对照组与各实验组。分桶与变体选择是纯函数，
唯一的可变状态（Assignment 记录）存放在外部存储中，存储层的
(experiment, subject) 唯一约束是一致性的唯一仲裁者，因此引擎本身
不持有任何进程内锁。

# 核心类型

  - Bucket / Bucketer：MD5 分桶，(subjectID, experimentName) → [0,100)
  - Allocation：按声明顺序构建的累计权重区间，未覆盖的桶显式回落到对照组
  - Experiment / Status：实验定义与 ACTIVE ⇄ PAUSED → CONCLUDED 状态机
  - Assignment：受试者与变体的持久绑定，(实验, 受试者) 唯一
  - Engine：Assign / RecordConversion，失败开放（fail-open）
  - Evaluate / Significance：双比例 z 检验、提升率与样本量保护
  - Aggregator：按变体聚合分配记录并生成 Report
  - Manager：实验生命周期的运维操作（创建、暂停、恢复、结束、调权）
  - MemoryStore / StaticRegistry：内存存储与配置驱动的只读注册表

# 错误处理

NotFound 与 DuplicateKey 在引擎内部被消化；存储故障降级为对照组并
通过 zap 日志、Recorder 指标与 OTel span 事件暴露给运维，从不向
调用方的主请求路径抛出错误。
*/
package experiment
