package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bytecare/supportflow/llm/embedding"
)

// SQLStoreConfig 内嵌向量存储配置
type SQLStoreConfig struct {
	// SourceWeights 精排时按来源类型加权，缺省 1.0
	SourceWeights map[string]float64 `yaml:"source_weights" json:"source_weights"`
	// RoughFactor 粗排候选量为 k 的倍数
	RoughFactor int `yaml:"rough_factor" json:"rough_factor"`
}

// kbChunkRow 是内嵌后端的持久化行。向量以 JSON 序列化存储，
// 相似度在进程内计算（余弦）。
type kbChunkRow struct {
	ID          uint   `gorm:"primaryKey"`
	SourceType  string `gorm:"size:64;uniqueIndex:idx_source_chunk,priority:1;index:idx_source,priority:1"`
	SourceID    string `gorm:"size:128;uniqueIndex:idx_source_chunk,priority:2;index:idx_source,priority:2"`
	ChunkID     int    `gorm:"uniqueIndex:idx_source_chunk,priority:3"`
	Title       string `gorm:"size:512"`
	Content     string `gorm:"type:text"`
	Metadata    string `gorm:"type:text"` // JSON
	ContentHash string `gorm:"size:64"`
	Embedding   []byte `gorm:"type:blob"` // JSON-encoded []float64
	AccessCount int64  `gorm:"default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (kbChunkRow) TableName() string { return "kb_chunks" }

// SQLVectorStore 基于关系库的内嵌向量存储。
type SQLVectorStore struct {
	db       *gorm.DB
	embedder embedding.Embedder
	cfg      SQLStoreConfig
	logger   *zap.Logger
}

// NewSQLVectorStore 创建内嵌向量存储并迁移私有表。
func NewSQLVectorStore(db *gorm.DB, embedder embedding.Embedder, cfg SQLStoreConfig, logger *zap.Logger) (*SQLVectorStore, error) {
	if cfg.RoughFactor <= 0 {
		cfg.RoughFactor = 3
	}
	if err := db.AutoMigrate(&kbChunkRow{}); err != nil {
		return nil, fmt.Errorf("migrate kb_chunks: %w", err)
	}
	return &SQLVectorStore{
		db:       db,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "vector_store"), zap.String("backend", "embedded")),
	}, nil
}

// Upsert 嵌入并按唯一键写入。内容哈希一致的块跳过重新嵌入。
func (s *SQLVectorStore) Upsert(ctx context.Context, chunks []KBChunk) error {
	for _, c := range chunks {
		hash := contentHash(c.Content)

		var existing kbChunkRow
		err := s.db.WithContext(ctx).
			Where("source_type = ? AND source_id = ? AND chunk_id = ?", c.SourceType, c.SourceID, c.ChunkID).
			First(&existing).Error
		if err == nil && existing.ContentHash == hash {
			continue
		}
		if err != nil && err != gorm.ErrRecordNotFound {
			return fmt.Errorf("lookup chunk %s: %w", c.Key(), err)
		}

		vec, err := s.embedder.Embed(ctx, c.Content)
		if err != nil {
			return fmt.Errorf("embed chunk %s: %w", c.Key(), err)
		}
		encodedVec, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}

		row := kbChunkRow{
			SourceType:  c.SourceType,
			SourceID:    c.SourceID,
			ChunkID:     c.ChunkID,
			Title:       c.Title,
			Content:     c.Content,
			Metadata:    string(metadata),
			ContentHash: hash,
			Embedding:   encodedVec,
		}
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "source_type"}, {Name: "source_id"}, {Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "content", "metadata", "content_hash", "embedding", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.Key(), err)
		}
	}

	s.logger.Info("chunks upserted", zap.Int("count", len(chunks)))
	return nil
}

// Search 嵌入查询，进程内余弦粗排 top 3k，再按来源权重与访问热度精排。
func (s *SQLVectorStore) Search(ctx context.Context, query string, k int, filters *SearchFilters) ([]SearchHit, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	tx := s.db.WithContext(ctx).Model(&kbChunkRow{})
	if filters != nil {
		if len(filters.SourceTypes) > 0 {
			tx = tx.Where("source_type IN ?", filters.SourceTypes)
		}
		if filters.Module != "" {
			// metadata 为 JSON 文本，模块过滤用包含匹配（两种后端语义一致的最小实现）
			tx = tx.Where(`metadata LIKE ?`, fmt.Sprintf(`%%"module":%q%%`, filters.Module))
		}
	}

	var rows []kbChunkRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	type scored struct {
		row        kbChunkRow
		similarity float64
	}
	candidates := make([]scored, 0, len(rows))
	for _, row := range rows {
		var vec []float64
		if err := json.Unmarshal(row.Embedding, &vec); err != nil {
			continue
		}
		candidates = append(candidates, scored{row: row, similarity: cosineSimilarity(queryVec, vec)})
	}

	// 粗排取 top 3k
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})
	rough := k * s.cfg.RoughFactor
	if rough < len(candidates) {
		candidates = candidates[:rough]
	}

	// 精排：similarity*sourceWeight + min(accessCount/100, 0.05)
	hits := make([]SearchHit, 0, len(candidates))
	for _, c := range candidates {
		weight := 1.0
		if w, ok := s.cfg.SourceWeights[c.row.SourceType]; ok {
			weight = w
		}
		hot := math.Min(float64(c.row.AccessCount)/100.0, 0.05)

		var metadata map[string]any
		if c.row.Metadata != "" {
			_ = json.Unmarshal([]byte(c.row.Metadata), &metadata)
		}

		hits = append(hits, SearchHit{
			ID:         ChunkKey(c.row.SourceType, c.row.SourceID, c.row.ChunkID),
			Content:    c.row.Content,
			SourceType: c.row.SourceType,
			SourceID:   c.row.SourceID,
			ChunkID:    c.row.ChunkID,
			Score:      c.similarity*weight + hot,
			Metadata:   metadata,
		})
	}
	sortHits(hits)

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// GetNeighbors 返回同一来源内窗口范围的块。
func (s *SQLVectorStore) GetNeighbors(ctx context.Context, sourceType, sourceID string, chunkID, window int) ([]KBChunk, error) {
	var rows []kbChunkRow
	err := s.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ? AND chunk_id BETWEEN ? AND ?",
			sourceType, sourceID, chunkID-window, chunkID+window).
		Order("chunk_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get neighbors: %w", err)
	}

	out := make([]KBChunk, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]any
		if row.Metadata != "" {
			_ = json.Unmarshal([]byte(row.Metadata), &metadata)
		}
		out = append(out, KBChunk{
			SourceType: row.SourceType,
			SourceID:   row.SourceID,
			ChunkID:    row.ChunkID,
			Title:      row.Title,
			Content:    row.Content,
			Metadata:   metadata,
		})
	}
	return out, nil
}

// DeleteBySource 删除某来源的全部块。
func (s *SQLVectorStore) DeleteBySource(ctx context.Context, sourceType, sourceID string) error {
	result := s.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Delete(&kbChunkRow{})
	if result.Error != nil {
		return fmt.Errorf("delete by source: %w", result.Error)
	}
	s.logger.Info("source deleted",
		zap.String("source_type", sourceType),
		zap.String("source_id", sourceID),
		zap.Int64("chunks", result.RowsAffected))
	return nil
}

// UpdateAccessCount 按块累加访问计数。
func (s *SQLVectorStore) UpdateAccessCount(ctx context.Context, chunkKeys []string, accessContext string) error {
	for _, key := range chunkKeys {
		sourceType, sourceID, chunkID, ok := parseChunkKey(key)
		if !ok {
			continue
		}
		err := s.db.WithContext(ctx).Model(&kbChunkRow{}).
			Where("source_type = ? AND source_id = ? AND chunk_id = ?", sourceType, sourceID, chunkID).
			UpdateColumn("access_count", gorm.Expr("access_count + 1")).Error
		if err != nil {
			return fmt.Errorf("update access count for %s: %w", key, err)
		}
	}
	s.logger.Debug("access counts updated",
		zap.Int("chunks", len(chunkKeys)),
		zap.String("context", accessContext))
	return nil
}

// Health 检查底层连接。
func (s *SQLVectorStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// cosineSimilarity 余弦相似度，维度不符或零向量时返回 0。
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
