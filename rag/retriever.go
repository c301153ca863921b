package rag

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RetrieverConfig 检索管线参数
type RetrieverConfig struct {
	// BaseK 单查询基础名额；实际 k = max(BaseK, ceil(2*BaseK/查询数))
	BaseK int `yaml:"base_k" json:"base_k"`
	// FinalCap 扩展去重后的最终上限
	FinalCap int `yaml:"final_cap" json:"final_cap"`
	// NeighborWindow 相邻块扩展窗口
	NeighborWindow int `yaml:"neighbor_window" json:"neighbor_window"`
	// BranchTimeout 单分支检索超时，超时分支解析为空结果而非报错
	BranchTimeout time.Duration `yaml:"branch_timeout" json:"branch_timeout"`
	// Fusion 融合与多样性参数
	Fusion FusionConfig `yaml:"fusion" json:"fusion"`
}

// DefaultRetrieverConfig 返回默认检索参数。
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		BaseK:          3,
		FinalCap:       7,
		NeighborWindow: 1,
		BranchTimeout:  5 * time.Second,
		Fusion:         DefaultFusionConfig(),
	}
}

// Retriever 多查询检索管线：并发扇出 → 分数融合 → 多样性约束 → 相邻块扩展 → 访问记账。
type Retriever struct {
	store  VectorStore
	cfg    RetrieverConfig
	logger *zap.Logger
}

// NewRetriever creates a retrieval pipeline over the given store.
func NewRetriever(store VectorStore, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	if cfg.BaseK <= 0 {
		cfg.BaseK = 3
	}
	if cfg.FinalCap <= 0 {
		cfg.FinalCap = 7
	}
	if cfg.BranchTimeout <= 0 {
		cfg.BranchTimeout = 5 * time.Second
	}
	if cfg.Fusion.TopN <= 0 {
		cfg.Fusion = DefaultFusionConfig()
	}
	return &Retriever{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve 对 queries 并发检索并融合。所有分支都失败时用 fallback（原始客户消息）
// 做一次兜底检索；兜底也失败则返回空上下文而不抛错。
func (r *Retriever) Retrieve(ctx context.Context, queries []string, fallback string, filters *SearchFilters) []SearchHit {
	branches := r.fanOut(ctx, queries, filters)

	empty := true
	for _, b := range branches {
		if len(b) > 0 {
			empty = false
			break
		}
	}
	if empty && fallback != "" {
		hits, err := r.searchBranch(ctx, fallback, r.cfg.BaseK*2, filters)
		if err != nil {
			r.logger.Warn("fallback search failed, returning empty context", zap.Error(err))
			return nil
		}
		branches = [][]SearchHit{hits}
	}

	fused := FuseBranches(branches, r.cfg.Fusion)
	selected := ApplyDiversity(fused, r.cfg.Fusion)
	expanded := r.expandNeighbors(ctx, selected)

	if len(expanded) > r.cfg.FinalCap {
		expanded = expanded[:r.cfg.FinalCap]
	}

	r.recordAccess(ctx, expanded)
	return expanded
}

// fanOut 并发执行各查询分支。单分支带独立超时，超时/失败解析为空结果，
// 不中断兄弟分支（allSettled 语义）。
func (r *Retriever) fanOut(ctx context.Context, queries []string, filters *SearchFilters) [][]SearchHit {
	if len(queries) == 0 {
		return nil
	}

	// 名额随查询数反比缩放，保证总候选量大致恒定
	k := r.cfg.BaseK
	if scaled := int(math.Ceil(2 * float64(r.cfg.BaseK) / float64(len(queries)))); scaled > k {
		k = scaled
	}

	branches := make([][]SearchHit, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(gctx, r.cfg.BranchTimeout)
			defer cancel()

			hits, err := r.searchBranch(branchCtx, q, k, filters)
			if err != nil {
				r.logger.Warn("search branch resolved to empty",
					zap.String("query", q), zap.Error(err))
				return nil // 分支失败不向上传播
			}
			branches[i] = hits
			return nil
		})
	}
	_ = g.Wait() // 分支从不返回 error，这里只等待全部完成

	return branches
}

func (r *Retriever) searchBranch(ctx context.Context, query string, k int, filters *SearchFilters) ([]SearchHit, error) {
	start := time.Now()
	hits, err := r.store.Search(ctx, query, k, filters)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("search branch finished",
		zap.String("query", query),
		zap.Int("hits", len(hits)),
		zap.Duration("latency", time.Since(start)))
	return hits, nil
}

// expandNeighbors 对话型来源的相邻块扩展：
//   - 命中是摘要块（chunk_id=0）时，补充其后最相关的内容块；
//   - 命中是内容块时，补充同一来源 chunk_id ±window 的相邻块。
//
// 扩展结果按 ID 去重，排在其父命中之后。
func (r *Retriever) expandNeighbors(ctx context.Context, hits []SearchHit) []SearchHit {
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		seen[h.ID] = true
	}

	out := make([]SearchHit, 0, len(hits)+len(hits)/2)
	for _, h := range hits {
		out = append(out, h)
		if !DialogSourceTypes[h.SourceType] || h.SourceID == "" {
			continue
		}

		window := r.cfg.NeighborWindow
		if window <= 0 {
			window = 1
		}

		neighbors, err := r.store.GetNeighbors(ctx, h.SourceType, h.SourceID, h.ChunkID, window)
		if err != nil {
			r.logger.Warn("neighbor expansion failed",
				zap.String("source", h.SourceKey()), zap.Error(err))
			continue
		}

		for _, n := range neighbors {
			if n.SourceID != h.SourceID || n.SourceType != h.SourceType {
				continue // 邻接查询不得跨来源
			}
			if h.IsSummary() && n.ChunkID <= SummaryChunkID {
				continue // 摘要块向后取内容块
			}
			key := n.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, SearchHit{
				ID:         key,
				Content:    n.Content,
				SourceType: n.SourceType,
				SourceID:   n.SourceID,
				ChunkID:    n.ChunkID,
				Score:      h.Score - 0.01, // 邻接块排在其父命中之后
				Metadata:   n.Metadata,
			})
		}
	}
	return out
}

// recordAccess 去重后的最终块集合只记账一次（每块每次调用 +1），
// 与命中它的查询分支数无关。记账失败只记日志。
func (r *Retriever) recordAccess(ctx context.Context, hits []SearchHit) {
	if len(hits) == 0 {
		return
	}
	keys := make([]string, 0, len(hits))
	dedup := make(map[string]bool, len(hits))
	for _, h := range hits {
		if dedup[h.ID] {
			continue
		}
		dedup[h.ID] = true
		keys = append(keys, h.ID)
	}
	if err := r.store.UpdateAccessCount(ctx, keys, "retrieval"); err != nil {
		r.logger.Warn("access count update failed", zap.Error(err))
	}
}
