// 节点测试的公共桩：脚本化 Provider、内存向量存储、通知通道与依赖装配。
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bytecare/supportflow/llm"
	"github.com/bytecare/supportflow/rag"
	"github.com/bytecare/supportflow/store"
	"github.com/bytecare/supportflow/types"
	"github.com/bytecare/supportflow/workflow"
)

// mockProvider 脚本化 LLM：按 Schema 名返回预置 JSON，自由文本请求返回 chatText。
type mockProvider struct {
	mu       sync.Mutex
	bySchema map[string]string
	chatText string
	err      error
	calls    []string
	lastReq  *llm.ChatRequest
}

func newMockProvider() *mockProvider {
	return &mockProvider{bySchema: make(map[string]string)}
}

func (m *mockProvider) script(schemaName, jsonText string) *mockProvider {
	m.bySchema[schemaName] = jsonText
	return m
}

func (m *mockProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purpose := "chat"
	text := m.chatText
	var missing bool
	if req.ResponseSchema != nil {
		purpose = req.ResponseSchema.Name
		scripted, ok := m.bySchema[purpose]
		text, missing = scripted, !ok
	}
	m.calls = append(m.calls, purpose)
	m.lastReq = req

	if m.err != nil {
		return nil, m.err
	}
	if missing {
		return nil, fmt.Errorf("no scripted response for schema %s", purpose)
	}
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Content: text}}},
	}, nil
}

func (m *mockProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) callCount(purpose string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == purpose {
			n++
		}
	}
	return n
}

func (m *mockProvider) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockProvider) last() *llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

// memVectorStore 内存向量存储桩，按查询返回预置命中。
type memVectorStore struct {
	byQuery map[string][]rag.SearchHit
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{byQuery: make(map[string][]rag.SearchHit)}
}

func (f *memVectorStore) Upsert(context.Context, []rag.KBChunk) error { return nil }

func (f *memVectorStore) Search(_ context.Context, query string, k int, _ *rag.SearchFilters) ([]rag.SearchHit, error) {
	hits := f.byQuery[query]
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *memVectorStore) GetNeighbors(context.Context, string, string, int, int) ([]rag.KBChunk, error) {
	return nil, nil
}

func (f *memVectorStore) DeleteBySource(context.Context, string, string) error { return nil }

func (f *memVectorStore) UpdateAccessCount(context.Context, []string, string) error { return nil }

func (f *memVectorStore) Health(context.Context) error { return nil }

// mockNotifier 记录通知并在每次派发后向通道发信号（测试等待 fire-and-forget 协程）。
type mockNotifier struct {
	mu       sync.Mutex
	err      error
	received []*store.HandoffRecordRow
	done     chan struct{}
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{done: make(chan struct{}, 8)}
}

func (m *mockNotifier) NotifyHandoff(_ context.Context, rec *store.HandoffRecordRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		m.done <- struct{}{}
		return m.err
	}
	m.received = append(m.received, rec)
	m.done <- struct{}{}
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func testStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := store.NewGormStore(db, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.MigrateAll())
	return s
}

// testDeps 组装一套节点测试依赖，零值字段按需补齐。
func testDeps(t *testing.T, provider llm.Provider, vec rag.VectorStore, st store.Store, notifier Notifier) Deps {
	t.Helper()
	if vec == nil {
		vec = newMemVectorStore()
	}
	return Deps{
		Provider:  provider,
		Retriever: rag.NewRetriever(vec, rag.DefaultRetrieverConfig(), zap.NewNop()),
		Store:     st,
		Notifier:  notifier,
		Logger:    zap.NewNop(),
	}
}

func configNode(t *testing.T, id string, kind workflow.NodeKind, cfg any) workflow.Node {
	t.Helper()
	node := workflow.Node{ID: id, Kind: kind}
	if cfg != nil {
		raw, err := json.Marshal(cfg)
		require.NoError(t, err)
		node.Config = raw
	}
	return node
}

func testTicket() *types.Ticket {
	return &types.Ticket{
		ID: "t-1", Title: "登录报错", Module: "devbox", Category: "bug",
		CustomerID: "c-1", Status: types.TicketStatusOpen,
	}
}

func stateFor(query string) *workflow.State {
	return workflow.NewState(testTicket(), []types.Message{
		{Role: types.RoleUser, Content: query},
	})
}
