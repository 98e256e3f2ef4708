// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 abflow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON / AssertJSONEqual

# 子包

  - testutil/mocks: MockStore，包装内存存储并支持按操作注入错误与调用计数
  - testutil/fixtures: 预置实验定义与分配数据写入辅助

# 使用示例

	ctx := testutil.TestContext(t)
	store := mocks.NewMockStore().WithError(mocks.OpGetExperiment, errBoom)
	fixtures.Populate(t, store, "checkout", "control", 100, 20)
*/
package testutil
