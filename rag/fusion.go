package rag

import "sort"

// FusionConfig 分数融合与多样性参数
type FusionConfig struct {
	// TopN 多样性约束生效的初始名额
	TopN int `yaml:"top_n" json:"top_n"`
	// MaxPerSource 同一 (source_type, source_id) 在 TopN 内的最大名额
	MaxPerSource int `yaml:"max_per_source" json:"max_per_source"`
	// SummaryBonus 摘要块加分
	SummaryBonus float64 `yaml:"summary_bonus" json:"summary_bonus"`
	// MultiHitBonus 每多一个命中分支的加分
	MultiHitBonus float64 `yaml:"multi_hit_bonus" json:"multi_hit_bonus"`
	// MultiHitCap 多分支加分封顶的分支数
	MultiHitCap int `yaml:"multi_hit_cap" json:"multi_hit_cap"`
}

// DefaultFusionConfig 返回默认融合参数。
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		TopN:          6,
		MaxPerSource:  2,
		SummaryBonus:  0.05,
		MultiHitBonus: 0.03,
		MultiHitCap:   4,
	}
}

// FuseBranches 合并多个查询分支的命中。
//
// 每个命中的最终分 = 各分支观测到的最大原始分 + 摘要块加分 + 多分支命中加分。
// 最终分只依赖 (max 原始分, 命中分支数, 是否摘要)，三者都与分支到达顺序无关，
// 因此融合结果对分支完成顺序不变——这是可测试的排序不变量。
// 同分时按 ID 升序，保证完全确定。
func FuseBranches(branches [][]SearchHit, cfg FusionConfig) []SearchHit {
	type acc struct {
		hit      SearchHit
		maxBase  float64
		hitCount int
	}
	merged := make(map[string]*acc)

	for _, branch := range branches {
		for _, h := range branch {
			a, ok := merged[h.ID]
			if !ok {
				merged[h.ID] = &acc{hit: h, maxBase: h.Score, hitCount: 1}
				continue
			}
			a.hitCount++
			if h.Score > a.maxBase {
				a.maxBase = h.Score
				a.hit = h
			}
		}
	}

	out := make([]SearchHit, 0, len(merged))
	for _, a := range merged {
		score := a.maxBase
		if a.hit.IsSummary() {
			score += cfg.SummaryBonus
		}
		extra := a.hitCount - 1
		if cfg.MultiHitCap > 0 && extra > cfg.MultiHitCap-1 {
			extra = cfg.MultiHitCap - 1
		}
		score += cfg.MultiHitBonus * float64(extra)

		h := a.hit
		h.Score = score
		out = append(out, h)
	}

	sortHits(out)
	return out
}

// ApplyDiversity 施加来源多样性约束：初始 TopN 内同一来源最多 MaxPerSource 个命中；
// 若因此凑不满 TopN，再做一轮补齐（放开配额，按分数顺序填充）。
func ApplyDiversity(hits []SearchHit, cfg FusionConfig) []SearchHit {
	topN := cfg.TopN
	if topN <= 0 {
		return hits
	}
	if topN > len(hits) {
		topN = len(hits)
	}

	perSource := make(map[string]int)
	selected := make([]SearchHit, 0, topN)
	picked := make(map[string]bool)

	for _, h := range hits {
		if len(selected) >= topN {
			break
		}
		if perSource[h.SourceKey()] >= cfg.MaxPerSource {
			continue
		}
		perSource[h.SourceKey()]++
		selected = append(selected, h)
		picked[h.ID] = true
	}

	// 补齐：不同来源数不足以凑满 TopN 时放开配额
	if len(selected) < topN {
		for _, h := range hits {
			if len(selected) >= topN {
				break
			}
			if picked[h.ID] {
				continue
			}
			selected = append(selected, h)
			picked[h.ID] = true
		}
	}

	return selected
}

// sortHits 按分数降序，同分按 ID 升序（确定性排序）。
func sortHits(hits []SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
