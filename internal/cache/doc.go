// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的 JSON 缓存，用于缓存热点读取的实验定义。

# 概述

Manager 包装调用方传入的 go-redis 客户端，为所有键统一添加前缀，
并负责健康检查与关闭。客户端可与 Redis 存储后端共享，
也可由 Manager 独占（Config.OwnsClient）。

# 核心类型

  - Manager：提供 Get/Set/Delete/Exists 等基础操作，
    以及 GetJSON/SetJSON 便捷序列化方法。
  - Config：键前缀、默认 TTL、健康检查间隔。
  - Stats：进程内命中与未命中计数。

# 错误语义

未命中返回 ErrCacheMiss（IsCacheMiss 判断），关闭后的调用返回 ErrClosed。
*/
package cache
