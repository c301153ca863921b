// Copyright 2026 supportflow Authors
// Use of this source code is governed by the project license.

/*
# 概述

包 rag 提供知识检索子系统：向量存储契约、两种可互换后端（内嵌关系库 / 远程 HTTP 服务）、
多路查询的分数融合、来源多样性约束、相邻块扩展与访问计数记账。

# 核心接口

  - VectorStore — 向量存储契约，内嵌与远程后端语义一致
  - Retriever   — 多查询并发扇出 + 融合 + 扩展的检索管线

# 主要类型

  - KBChunk   — 知识索引单元，(source_type, source_id, chunk_id) 唯一；chunk_id=0 为摘要块
  - SearchHit — 查询时构造的打分结果，不持久化
  - FusionConfig / RetrieverConfig — 融合与检索参数

# 排序不变量

融合结果只依赖每个命中的最大原始分与命中次数，与各查询分支的完成顺序无关。
*/
package rag
