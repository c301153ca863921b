package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytecare/supportflow/rag"
	"github.com/bytecare/supportflow/workflow"
)

func buildRagNode(t *testing.T, provider *mockProvider, vec rag.VectorStore, cfg any) *ragNode {
	t.Helper()
	reg := NewRegistry(testDeps(t, provider, vec, nil, nil))
	n, err := newRagNode(configNode(t, "rag", workflow.KindRag, cfg), reg)
	require.NoError(t, err)
	return n
}

func TestRagNode_NoSearchHeuristics(t *testing.T) {
	provider := newMockProvider()
	n := buildRagNode(t, provider, nil, workflow.RagConfig{IntentGate: true})

	for _, msg := range []string{"你好", "谢谢解决了", "好的", "thanks", "ok"} {
		upd, err := n.Execute(context.Background(), stateFor(msg))
		require.NoError(t, err, msg)

		assert.Equal(t, "NO_SEARCH", upd.Variables["searchDecision"], msg)
		assert.NotNil(t, upd.RetrievedContext, "空切片清空上下文，而非 nil 不更新")
		assert.Empty(t, upd.RetrievedContext)
	}
	assert.Zero(t, provider.totalCalls(), "启发式短路不做任何 LLM 调用")
}

func TestRagNode_IntentGateNoSearch(t *testing.T) {
	provider := newMockProvider().script("search_intent", `{"decision":"NO_SEARCH"}`)
	n := buildRagNode(t, provider, nil, workflow.RagConfig{IntentGate: true})

	upd, err := n.Execute(context.Background(), stateFor("刚才说的方案我再试试"))
	require.NoError(t, err)

	assert.Equal(t, "NO_SEARCH", upd.Variables["searchDecision"])
	assert.Equal(t, 1, provider.callCount("search_intent"))
	assert.Zero(t, provider.callCount("search_queries"), "闸门拦下后不生成查询")
}

func TestRagNode_QueryGenerationAndRetrieval(t *testing.T) {
	vec := newMemVectorStore()
	vec.byQuery["如何扩容"] = []rag.SearchHit{
		{ID: "document:d1:1", SourceType: "document", SourceID: "d1", ChunkID: 1, Score: 0.9, Content: "扩容文档"},
	}
	provider := newMockProvider().
		script("search_intent", `{"decision":"NEED_SEARCH"}`).
		script("search_queries", `{"queries":["\"如何扩容\"","如何扩容。","  ","磁盘空间不足"]}`)
	n := buildRagNode(t, provider, vec, workflow.RagConfig{IntentGate: true})

	upd, err := n.Execute(context.Background(), stateFor("devbox 磁盘满了怎么扩容"))
	require.NoError(t, err)

	// 引号/句末标点剥掉后两个变体去重为一条
	assert.Equal(t, []string{"如何扩容", "磁盘空间不足"}, upd.SearchQueries)
	assert.Equal(t, "NEED_SEARCH", upd.Variables["searchDecision"])
	require.NotEmpty(t, upd.RetrievedContext)
	assert.Equal(t, "document:d1:1", upd.RetrievedContext[0].ID)
	assert.NotEmpty(t, upd.Variables["retrievedContextString"])
}

func TestRagNode_LLMFailureFallsBackToRawQuery(t *testing.T) {
	vec := newMemVectorStore()
	vec.byQuery["登录报错怎么办"] = []rag.SearchHit{
		{ID: "ticket:t9:0", SourceType: "ticket", SourceID: "t9", ChunkID: 0, Score: 0.8, Content: "历史工单摘要"},
	}
	provider := newMockProvider()
	provider.err = assert.AnError
	n := buildRagNode(t, provider, vec, workflow.RagConfig{IntentGate: true})

	upd, err := n.Execute(context.Background(), stateFor("登录报错怎么办"))
	require.NoError(t, err)

	// 意图闸门失败按 NEED_SEARCH 处理，查询生成失败回退原始消息
	assert.Equal(t, []string{"登录报错怎么办"}, upd.SearchQueries)
	require.NotEmpty(t, upd.RetrievedContext)
	assert.Equal(t, "ticket:t9:0", upd.RetrievedContext[0].ID)
}

func TestRagNode_ModuleFilterUsesTicketModule(t *testing.T) {
	recorder := &filterRecordingStore{memVectorStore: newMemVectorStore()}
	provider := newMockProvider().script("search_queries", `{"queries":["扩容"]}`)
	n := buildRagNode(t, provider, recorder, workflow.RagConfig{
		ModuleFilter: true,
		SourceTypes:  []string{"document"},
	})

	_, err := n.Execute(context.Background(), stateFor("怎么扩容"))
	require.NoError(t, err)

	require.NotNil(t, recorder.lastFilters)
	assert.Equal(t, "devbox", recorder.lastFilters.Module)
	assert.Equal(t, []string{"document"}, recorder.lastFilters.SourceTypes)
}

// filterRecordingStore 记录传入检索后端的过滤条件。
type filterRecordingStore struct {
	*memVectorStore
	lastFilters *rag.SearchFilters
}

func (f *filterRecordingStore) Search(ctx context.Context, query string, k int, filters *rag.SearchFilters) ([]rag.SearchHit, error) {
	f.lastFilters = filters
	return f.memVectorStore.Search(ctx, query, k, filters)
}

func TestSanitizeQueries(t *testing.T) {
	out := sanitizeQueries([]string{
		`"扩容步骤"`, "扩容步骤！", "  ", "'磁盘清理'", "磁盘清理", "容量告警", "第四条",
	}, 3)
	assert.Equal(t, []string{"扩容步骤", "磁盘清理", "容量告警"}, out)

	assert.Empty(t, sanitizeQueries([]string{"", "。。"}, 3))
}
