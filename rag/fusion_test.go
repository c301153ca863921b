// 分数融合与多样性约束测试，含分支顺序不变性的性质测试。
package rag

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func hit(id string, score float64) SearchHit {
	return SearchHit{ID: id, Content: id, SourceType: "document", SourceID: id, ChunkID: 1, Score: score}
}

func TestFuseBranches_MaxBaseWins(t *testing.T) {
	branches := [][]SearchHit{
		{hit("a", 0.5)},
		{hit("a", 0.8)},
	}
	cfg := DefaultFusionConfig()
	fused := FuseBranches(branches, cfg)

	require.Len(t, fused, 1)
	// max(0.5, 0.8) + 1 次额外命中加分
	assert.InDelta(t, 0.8+cfg.MultiHitBonus, fused[0].Score, 1e-9)
}

func TestFuseBranches_SummaryBonus(t *testing.T) {
	summary := SearchHit{ID: "ticket:t1:0", SourceType: "ticket", SourceID: "t1", ChunkID: 0, Score: 0.7}
	plain := SearchHit{ID: "ticket:t1:1", SourceType: "ticket", SourceID: "t1", ChunkID: 1, Score: 0.7}

	cfg := DefaultFusionConfig()
	fused := FuseBranches([][]SearchHit{{summary, plain}}, cfg)

	require.Len(t, fused, 2)
	assert.Equal(t, "ticket:t1:0", fused[0].ID, "摘要块加分后排前")
	assert.InDelta(t, 0.7+cfg.SummaryBonus, fused[0].Score, 1e-9)
	assert.InDelta(t, 0.7, fused[1].Score, 1e-9)
}

func TestFuseBranches_MultiHitBonusCapped(t *testing.T) {
	// 6 个分支都命中同一块：加分封顶在 MultiHitCap-1 次
	branches := make([][]SearchHit, 6)
	for i := range branches {
		branches[i] = []SearchHit{hit("x", 0.5)}
	}
	cfg := DefaultFusionConfig()
	fused := FuseBranches(branches, cfg)

	require.Len(t, fused, 1)
	expected := 0.5 + cfg.MultiHitBonus*float64(cfg.MultiHitCap-1)
	assert.InDelta(t, expected, fused[0].Score, 1e-9)
}

func TestFuseBranches_TieBreakByID(t *testing.T) {
	fused := FuseBranches([][]SearchHit{{hit("b", 0.5), hit("a", 0.5), hit("c", 0.5)}}, DefaultFusionConfig())
	require.Len(t, fused, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{fused[0].ID, fused[1].ID, fused[2].ID})
}

// TestFuseBranches_OrderInvariance 融合结果对分支到达顺序不变：
// 任意打乱分支顺序，输出序列逐元素一致。
func TestFuseBranches_OrderInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nBranches := rapid.IntRange(1, 5).Draw(t, "branches")
		branches := make([][]SearchHit, nBranches)
		for i := range branches {
			n := rapid.IntRange(0, 8).Draw(t, fmt.Sprintf("len%d", i))
			branch := make([]SearchHit, n)
			for j := range branch {
				id := rapid.IntRange(0, 15).Draw(t, fmt.Sprintf("id%d_%d", i, j))
				score := float64(rapid.IntRange(0, 1000).Draw(t, fmt.Sprintf("score%d_%d", i, j))) / 1000.0
				branch[j] = SearchHit{
					ID:         fmt.Sprintf("document:d%d:1", id),
					SourceType: "document",
					SourceID:   fmt.Sprintf("d%d", id),
					ChunkID:    1,
					Score:      score,
				}
			}
			branches[i] = branch
		}

		cfg := DefaultFusionConfig()
		baseline := FuseBranches(branches, cfg)

		shuffled := make([][]SearchHit, nBranches)
		copy(shuffled, branches)
		seed := rapid.Int64().Draw(t, "seed")
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		permuted := FuseBranches(shuffled, cfg)

		require.Equal(t, len(baseline), len(permuted))
		for i := range baseline {
			assert.Equal(t, baseline[i].ID, permuted[i].ID)
			assert.InDelta(t, baseline[i].Score, permuted[i].Score, 1e-12)
		}
	})
}

func TestApplyDiversity_CapPerSource(t *testing.T) {
	// 同一来源 4 个高分块 + 其他来源若干：TopN 内同源最多 2 个
	hits := []SearchHit{
		{ID: "ticket:t1:1", SourceType: "ticket", SourceID: "t1", Score: 0.9},
		{ID: "ticket:t1:2", SourceType: "ticket", SourceID: "t1", Score: 0.89},
		{ID: "ticket:t1:3", SourceType: "ticket", SourceID: "t1", Score: 0.88},
		{ID: "ticket:t1:4", SourceType: "ticket", SourceID: "t1", Score: 0.87},
		{ID: "document:d1:1", SourceType: "document", SourceID: "d1", Score: 0.5},
		{ID: "document:d2:1", SourceType: "document", SourceID: "d2", Score: 0.4},
		{ID: "document:d3:1", SourceType: "document", SourceID: "d3", Score: 0.3},
		{ID: "document:d4:1", SourceType: "document", SourceID: "d4", Score: 0.2},
	}

	selected := ApplyDiversity(hits, DefaultFusionConfig())
	require.Len(t, selected, 6)

	perSource := map[string]int{}
	for _, h := range selected {
		perSource[h.SourceKey()]++
	}
	assert.Equal(t, 2, perSource["ticket:t1"], "同源配额生效")
	assert.Equal(t, "ticket:t1:1", selected[0].ID)
	assert.Equal(t, "ticket:t1:2", selected[1].ID)
	assert.Equal(t, "document:d1:1", selected[2].ID, "配额满后跳到下一来源")
}

func TestApplyDiversity_GapFillWhenSourcesScarce(t *testing.T) {
	// 只有一个来源：配额不够凑满 TopN，补齐轮放开配额
	hits := make([]SearchHit, 0, 8)
	for i := 1; i <= 8; i++ {
		hits = append(hits, SearchHit{
			ID: fmt.Sprintf("ticket:t1:%d", i), SourceType: "ticket", SourceID: "t1",
			Score: 1.0 - float64(i)*0.01,
		})
	}

	selected := ApplyDiversity(hits, DefaultFusionConfig())
	require.Len(t, selected, 6, "来源稀缺时放开配额补满 TopN")
	assert.Equal(t, "ticket:t1:1", selected[0].ID)
	assert.Equal(t, "ticket:t1:2", selected[1].ID)
	// 补齐轮按分数顺序从跳过的块里填
	assert.Equal(t, "ticket:t1:3", selected[2].ID)
}

func TestApplyDiversity_FewerHitsThanTopN(t *testing.T) {
	hits := []SearchHit{
		{ID: "a", SourceType: "document", SourceID: "d1", Score: 0.9},
		{ID: "b", SourceType: "document", SourceID: "d2", Score: 0.8},
	}
	selected := ApplyDiversity(hits, DefaultFusionConfig())
	assert.Len(t, selected, 2)
}
