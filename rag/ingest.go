package rag

import "context"

// IngestSource 将一个来源（工单 / 收藏对话 / 文档）写入索引：
// summary 非空时占据 chunk_id=0 的摘要位，内容块从 1 起顺序编号；
// 无摘要时内容块同样从 1 起编号，摘要位留空以便后补。
func IngestSource(ctx context.Context, store VectorStore, sourceType, sourceID, title, summary string, contents []string, metadata map[string]any) error {
	chunks := make([]KBChunk, 0, len(contents)+1)

	if summary != "" {
		meta := cloneMetadata(metadata)
		meta["is_summary"] = true
		chunks = append(chunks, KBChunk{
			SourceType: sourceType,
			SourceID:   sourceID,
			ChunkID:    SummaryChunkID,
			Title:      title,
			Content:    summary,
			Metadata:   meta,
		})
	}

	for i, content := range contents {
		chunks = append(chunks, KBChunk{
			SourceType: sourceType,
			SourceID:   sourceID,
			ChunkID:    i + 1,
			Title:      title,
			Content:    content,
			Metadata:   cloneMetadata(metadata),
		})
	}

	if len(chunks) == 0 {
		return nil
	}
	return store.Upsert(ctx, chunks)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
