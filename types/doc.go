// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 abflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 experiment、api、cmd
等上层模块提供统一的错误码与 context 约定，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码、Retryable、实验名标记
  - contextKey：RequestID / TenantID / SubjectID 的 context 传播键

# 主要能力

  - 错误工具链：AsError / GetErrorCode / IsErrorCode / IsRetryable
  - 常用错误构造：NewStorageUnavailableError / NewNotFoundError / NewInvalidRequestError
  - Context 传播：WithRequestID / WithTenantID / WithSubjectID
*/
package types
