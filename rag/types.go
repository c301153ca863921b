package rag

import (
	"context"
	"fmt"
	"strings"
)

// 知识来源类型
const (
	SourceTypeDocument              = "document"               // 文档知识库
	SourceTypeTicket                = "ticket"                 // 历史工单
	SourceTypeFavoritedConversation = "favorited_conversation" // 收藏对话
)

// DialogSourceTypes 对话型来源：摘要块（chunk_id=0）之外的内容块按轮次顺序分块，
// 相邻块扩展只对这类来源有意义。
var DialogSourceTypes = map[string]bool{
	SourceTypeTicket:                true,
	SourceTypeFavoritedConversation: true,
}

// SummaryChunkID chunk_id=0 保留给来源的 AI 摘要块。
const SummaryChunkID = 0

// KBChunk 知识索引单元。(SourceType, SourceID, ChunkID) 是 upsert 与邻接查询的唯一键。
type KBChunk struct {
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id"`
	ChunkID    int            `json:"chunk_id"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Key 返回块的唯一标识。
func (c KBChunk) Key() string {
	return ChunkKey(c.SourceType, c.SourceID, c.ChunkID)
}

// IsSummary reports whether the chunk is the AI-generated summary of its source.
func (c KBChunk) IsSummary() bool {
	return c.ChunkID == SummaryChunkID
}

// ChunkKey 构造 (source_type, source_id, chunk_id) 的字符串键。
func ChunkKey(sourceType, sourceID string, chunkID int) string {
	return fmt.Sprintf("%s:%s:%d", sourceType, sourceID, chunkID)
}

// parseChunkKey 解析 ChunkKey 产生的键。source_id 自身可能含冒号，
// 因此 chunk_id 从最后一个冒号取。
func parseChunkKey(key string) (sourceType, sourceID string, chunkID int, ok bool) {
	last := strings.LastIndexByte(key, ':')
	if last < 0 {
		return "", "", 0, false
	}
	if _, err := fmt.Sscanf(key[last+1:], "%d", &chunkID); err != nil {
		return "", "", 0, false
	}
	rest := key[:last]
	first := strings.IndexByte(rest, ':')
	if first < 0 {
		return "", "", 0, false
	}
	return rest[:first], rest[first+1:], chunkID, true
}

// SearchHit 打分检索结果，仅查询时存在，不持久化。
type SearchHit struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id,omitempty"`
	ChunkID    int            `json:"chunk_id,omitempty"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IsSummary reports whether the hit points at a summary chunk.
func (h SearchHit) IsSummary() bool {
	if h.ChunkID == SummaryChunkID {
		return true
	}
	if v, ok := h.Metadata["is_summary"]; ok {
		b, _ := v.(bool)
		return b
	}
	return false
}

// SourceKey 返回命中的 (source_type, source_id) 对，用于多样性约束。
func (h SearchHit) SourceKey() string {
	return h.SourceType + ":" + h.SourceID
}

// SearchFilters 检索过滤条件
type SearchFilters struct {
	// SourceTypes 限定来源类型，空表示不限
	SourceTypes []string `json:"source_types,omitempty"`
	// Module 限定业务模块（metadata.module）
	Module string `json:"module,omitempty"`
}

// VectorStore 向量存储契约。内嵌后端与远程 HTTP 后端语义一致，由配置选择。
type VectorStore interface {
	// Upsert 嵌入并写入，按 (source_type, source_id, chunk_id) 插入或更新；
	// 内容哈希未变化的块跳过重新嵌入
	Upsert(ctx context.Context, chunks []KBChunk) error

	// Search 嵌入查询并做相似度检索，粗排 top 3k 后按
	// similarity*sourceWeight + min(accessCount/100, 0.05) 精排，返回 top k
	Search(ctx context.Context, query string, k int, filters *SearchFilters) ([]SearchHit, error)

	// GetNeighbors 返回同一来源内 chunk_id 在 [chunkID-window, chunkID+window] 的块
	GetNeighbors(ctx context.Context, sourceType, sourceID string, chunkID, window int) ([]KBChunk, error)

	// DeleteBySource 删除某来源的全部块
	DeleteBySource(ctx context.Context, sourceType, sourceID string) error

	// UpdateAccessCount 为命中的块累加访问计数（记账用，每次调用按块各 +1）
	UpdateAccessCount(ctx context.Context, chunkKeys []string, accessContext string) error

	// Health 健康检查
	Health(ctx context.Context) error
}

// FormatContext 将命中列表格式化为喂给生成节点的上下文字符串。
func FormatContext(hits []SearchHit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] 来源: %s", i+1, h.SourceType)
		if title, ok := h.Metadata["title"].(string); ok && title != "" {
			fmt.Fprintf(&b, " / %s", title)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(h.Content))
		if i != len(hits)-1 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}
