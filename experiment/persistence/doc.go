// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package persistence 提供实验定义与分配记录的持久化后端。

# 概述

所有后端实现 experiment.Store，并对 (实验, 受试者) 施加唯一约束，
使并发首次分配只有一个写入成功，其余调用方读回已持久化的变体。

# 后端

  - GormStore：sqlite / postgres / mysql，唯一索引 idx_assignment_subject，
    转化为条件 UPDATE ... WHERE converted = false。
  - RedisStore：HSETNX 插入分配，转化在 WATCH/MULTI 乐观事务内完成。
  - MongoStore：唯一复合索引，重复键映射为 ErrDuplicateAssignment。
  - experiment.MemoryStore：单实例与测试使用。

# 工厂

NewStore 按 config.StoreConfig.Type 创建后端，按需执行建表或建索引，
配置 operation_timeout 时通过 WithOperationTimeout 为每次调用附加超时。
I/O 失败统一包装为 types.ErrStorageUnavailable，供引擎回退到对照组。
*/
package persistence
