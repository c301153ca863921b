// 检索管线测试：扇出、兜底、邻接扩展、访问记账。
package rag

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeVectorStore 内存版向量存储，按查询词返回预置命中。
type fakeVectorStore struct {
	mu        sync.Mutex
	byQuery   map[string][]SearchHit
	neighbors map[string][]KBChunk // sourceType:sourceID → chunks
	failAll   bool
	slowBy    time.Duration

	searchCalls int
	accessed    [][]string
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{
		byQuery:   make(map[string][]SearchHit),
		neighbors: make(map[string][]KBChunk),
	}
}

func (f *fakeVectorStore) Upsert(context.Context, []KBChunk) error { return nil }

func (f *fakeVectorStore) Search(ctx context.Context, query string, k int, _ *SearchFilters) ([]SearchHit, error) {
	f.mu.Lock()
	f.searchCalls++
	f.mu.Unlock()

	if f.slowBy > 0 {
		select {
		case <-time.After(f.slowBy):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failAll {
		return nil, fmt.Errorf("vector backend down")
	}

	hits := f.byQuery[query]
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *fakeVectorStore) GetNeighbors(_ context.Context, sourceType, sourceID string, chunkID, window int) ([]KBChunk, error) {
	var out []KBChunk
	for _, c := range f.neighbors[sourceType+":"+sourceID] {
		if c.ChunkID >= chunkID-window && c.ChunkID <= chunkID+window {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeVectorStore) DeleteBySource(context.Context, string, string) error { return nil }

func (f *fakeVectorStore) UpdateAccessCount(_ context.Context, keys []string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessed = append(f.accessed, keys)
	return nil
}

func (f *fakeVectorStore) Health(context.Context) error { return nil }

func testRetriever(store VectorStore) *Retriever {
	cfg := DefaultRetrieverConfig()
	cfg.BranchTimeout = 100 * time.Millisecond
	return NewRetriever(store, cfg, zap.NewNop())
}

func TestRetrieve_FusesMultipleQueries(t *testing.T) {
	store := newFakeVectorStore()
	store.byQuery["扩容"] = []SearchHit{
		{ID: "document:d1:1", SourceType: "document", SourceID: "d1", ChunkID: 1, Score: 0.9, Content: "扩容文档"},
	}
	store.byQuery["磁盘不够"] = []SearchHit{
		{ID: "document:d1:1", SourceType: "document", SourceID: "d1", ChunkID: 1, Score: 0.7, Content: "扩容文档"},
		{ID: "document:d2:1", SourceType: "document", SourceID: "d2", ChunkID: 1, Score: 0.6, Content: "磁盘文档"},
	}

	hits := testRetriever(store).Retrieve(context.Background(), []string{"扩容", "磁盘不够"}, "", nil)

	require.NotEmpty(t, hits)
	assert.Equal(t, "document:d1:1", hits[0].ID, "双分支命中的块融合后居首")
	assert.Len(t, hits, 2)
}

func TestRetrieve_FallbackWhenAllBranchesEmpty(t *testing.T) {
	store := newFakeVectorStore()
	store.byQuery["原始消息"] = []SearchHit{
		{ID: "document:d9:1", SourceType: "document", SourceID: "d9", ChunkID: 1, Score: 0.5},
	}

	hits := testRetriever(store).Retrieve(context.Background(), []string{"无命中查询"}, "原始消息", nil)
	require.Len(t, hits, 1)
	assert.Equal(t, "document:d9:1", hits[0].ID)
}

func TestRetrieve_BackendFailureReturnsEmptyNotError(t *testing.T) {
	store := newFakeVectorStore()
	store.failAll = true

	hits := testRetriever(store).Retrieve(context.Background(), []string{"q1", "q2"}, "fallback", nil)
	assert.Empty(t, hits, "全分支失败 + 兜底失败 = 空上下文，不抛错")
}

func TestRetrieve_SlowBranchResolvesToEmpty(t *testing.T) {
	store := newFakeVectorStore()
	store.slowBy = time.Second // 远超 BranchTimeout

	start := time.Now()
	hits := testRetriever(store).Retrieve(context.Background(), []string{"slow"}, "", nil)
	assert.Empty(t, hits)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "超时分支不拖住整体")
}

func TestRetrieve_NeighborExpansionForDialogSources(t *testing.T) {
	store := newFakeVectorStore()
	store.byQuery["q"] = []SearchHit{
		{ID: "ticket:t1:2", SourceType: SourceTypeTicket, SourceID: "t1", ChunkID: 2, Score: 0.9},
		{ID: "document:d1:1", SourceType: SourceTypeDocument, SourceID: "d1", ChunkID: 1, Score: 0.8},
	}
	store.neighbors["ticket:t1"] = []KBChunk{
		{SourceType: SourceTypeTicket, SourceID: "t1", ChunkID: 1, Content: "前一轮"},
		{SourceType: SourceTypeTicket, SourceID: "t1", ChunkID: 2, Content: "命中轮"},
		{SourceType: SourceTypeTicket, SourceID: "t1", ChunkID: 3, Content: "后一轮"},
	}
	store.neighbors["document:d1"] = []KBChunk{
		{SourceType: SourceTypeDocument, SourceID: "d1", ChunkID: 2, Content: "文档邻块"},
	}

	hits := testRetriever(store).Retrieve(context.Background(), []string{"q"}, "", nil)

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.Contains(t, ids, "ticket:t1:1", "对话来源扩展相邻块")
	assert.Contains(t, ids, "ticket:t1:3")
	assert.NotContains(t, ids, "document:d1:2", "文档来源不做邻接扩展")

	// 邻块分数略低于父命中，排在其后
	for i, h := range hits {
		if h.ID == "ticket:t1:1" || h.ID == "ticket:t1:3" {
			assert.Greater(t, i, 0)
		}
	}
}

func TestRetrieve_SummaryHitExpandsForwardOnly(t *testing.T) {
	store := newFakeVectorStore()
	store.byQuery["q"] = []SearchHit{
		{ID: "ticket:t1:0", SourceType: SourceTypeTicket, SourceID: "t1", ChunkID: 0, Score: 0.9},
	}
	store.neighbors["ticket:t1"] = []KBChunk{
		{SourceType: SourceTypeTicket, SourceID: "t1", ChunkID: 0, Content: "摘要"},
		{SourceType: SourceTypeTicket, SourceID: "t1", ChunkID: 1, Content: "首轮"},
	}

	hits := testRetriever(store).Retrieve(context.Background(), []string{"q"}, "", nil)

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.Contains(t, ids, "ticket:t1:1", "摘要命中向后补内容块")
	assert.Len(t, hits, 2, "摘要自身不重复出现")
}

func TestRetrieve_AccessAccountingOncePerChunk(t *testing.T) {
	store := newFakeVectorStore()
	// 同一块被两个查询命中
	shared := SearchHit{ID: "document:d1:1", SourceType: SourceTypeDocument, SourceID: "d1", ChunkID: 1, Score: 0.9}
	store.byQuery["q1"] = []SearchHit{shared}
	store.byQuery["q2"] = []SearchHit{shared}

	testRetriever(store).Retrieve(context.Background(), []string{"q1", "q2"}, "", nil)

	require.Len(t, store.accessed, 1, "每次调用只记账一批")
	counts := map[string]int{}
	for _, key := range store.accessed[0] {
		counts[key]++
	}
	assert.Equal(t, 1, counts["document:d1:1"], "多分支命中只记一次")
}

func TestRetrieve_FinalCap(t *testing.T) {
	store := newFakeVectorStore()
	var hits []SearchHit
	for i := 0; i < 12; i++ {
		hits = append(hits, SearchHit{
			ID:         fmt.Sprintf("document:d%d:1", i),
			SourceType: SourceTypeDocument,
			SourceID:   fmt.Sprintf("d%d", i),
			ChunkID:    1,
			Score:      1.0 - float64(i)*0.01,
		})
	}
	store.byQuery["q"] = hits

	out := testRetriever(store).Retrieve(context.Background(), []string{"q"}, "", nil)
	assert.LessOrEqual(t, len(out), 7, "最终上限 7")
}
