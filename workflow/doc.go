// Copyright 2026 supportflow Authors
// Use of this source code is governed by the project license.

/*
# 概述

包 workflow 实现会话工作流引擎：外部编排的节点图（Definition）经结构校验编译为
可执行状态机（Compiled），由运行时驱动器（Driver）装配会话状态后逐节点推进。

# 核心类型

  - Definition / Node / Edge — 编排格式，节点配置按 Kind 区分（tagged union）
  - Compiled                 — 编译产物：节点处理器 + 路由表
  - State / Update           — 单次调用的会话状态与节点增量更新
  - Cache                    — 两级编译缓存（workflow id / scope），快照原子替换
  - Driver                   — 运行时：历史回放、访问上界、空响应重试

# 结构不变量

恰好一个 start 节点、至少一个可达的 end 节点；start 出边必须恰好一条且无条件。
不可达节点记 warning 后剔除，不阻断编译。
*/
package workflow
