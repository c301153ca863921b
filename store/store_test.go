// 关系存储与工作流来源适配器测试（sqlite 内存库）。
package store

import (
	"context"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bytecare/supportflow/types"
)

func storeFixture(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// :memory: 按连接隔离，钉住单连接避免并发测试拿到空库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := NewGormStore(db, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.MigrateAll())
	return s
}

func seedTicket(t *testing.T, s *GormStore) {
	t.Helper()
	require.NoError(t, s.DB().Create(&TicketRow{
		ID: "t-1", Title: "登录报错", Module: "devbox", Category: "bug",
		Description: "启动时报 ImagePullBackOff",
		Images:      `["http://img/1.png"]`,
		CustomerID:  "c-1", Status: string(types.TicketStatusOpen),
	}).Error)
	require.NoError(t, s.DB().Create([]*ChatMessageRow{
		{TicketID: "t-1", Role: MessageRoleCustomer, Content: "登录一直报错"},
		{TicketID: "t-1", Role: MessageRoleAI, Content: "请提供报错截图"},
		{TicketID: "t-1", Role: MessageRoleCustomer, Content: "就是这个 ImagePullBackOff", Images: `["http://img/2.png"]`},
	}).Error)
}

func TestGormStore_GetTicket(t *testing.T) {
	s := storeFixture(t)
	seedTicket(t, s)

	ticket, err := s.GetTicket(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "登录报错", ticket.Title)
	assert.Equal(t, types.TicketStatusOpen, ticket.Status)
	assert.Equal(t, []string{"http://img/1.png"}, ticket.Images)

	_, err = s.GetTicket(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_UpdateTicketStatus(t *testing.T) {
	s := storeFixture(t)
	seedTicket(t, s)
	ctx := context.Background()

	require.NoError(t, s.UpdateTicketStatus(ctx, "t-1", types.TicketStatusPendingHuman))
	ticket, err := s.GetTicket(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.TicketStatusPendingHuman, ticket.Status)

	assert.ErrorIs(t, s.UpdateTicketStatus(ctx, "missing", types.TicketStatusClosed), ErrNotFound)
}

func TestGormStore_HandoffIdempotency(t *testing.T) {
	s := storeFixture(t)
	ctx := context.Background()

	rec := &HandoffRecordRow{
		TicketID: "t-1", HandoffReason: "用户明确要求人工服务",
		Priority: "P2", Sentiment: "NEUTRAL", CustomerID: "c-1",
	}
	created, err := s.CreateHandoff(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, rec.ID, "主键自动生成")

	// 同工单重复创建：冲突忽略
	dup := &HandoffRecordRow{TicketID: "t-1", Priority: "P1"}
	created, err = s.CreateHandoff(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	s.DB().Model(&HandoffRecordRow{}).Where("ticket_id = ?", "t-1").Count(&count)
	assert.EqualValues(t, 1, count)

	got, err := s.GetHandoff(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "P2", got.Priority, "首次写入的记录保持不变")
}

func TestGormStore_ConcurrentHandoffCreatesOne(t *testing.T) {
	s := storeFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	createdCount := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.CreateHandoff(ctx, &HandoffRecordRow{TicketID: "t-race", Priority: "P2"})
			if err == nil {
				createdCount <- created
			}
		}()
	}
	wg.Wait()
	close(createdCount)

	wins := 0
	for created := range createdCount {
		if created {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "唯一索引保证恰好一次创建成功")

	var count int64
	s.DB().Model(&HandoffRecordRow{}).Where("ticket_id = ?", "t-race").Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestGormStore_MarkNotificationSent(t *testing.T) {
	s := storeFixture(t)
	ctx := context.Background()

	_, err := s.CreateHandoff(ctx, &HandoffRecordRow{TicketID: "t-1"})
	require.NoError(t, err)

	require.NoError(t, s.MarkNotificationSent(ctx, "t-1"))
	got, err := s.GetHandoff(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, got.NotificationSent)
}

func TestGormStore_GetHandoffNotFound(t *testing.T) {
	s := storeFixture(t)
	_, err := s.GetHandoff(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_ListWorkflowDefinitionsOnlyEnabled(t *testing.T) {
	s := storeFixture(t)
	require.NoError(t, s.DB().Create([]*WorkflowDefinitionRow{
		{ID: "wf-1", Name: "enabled", Graph: "{}", Enabled: true},
		{ID: "wf-2", Name: "disabled", Graph: "{}", Enabled: false},
	}).Error)

	rows, err := s.ListWorkflowDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "wf-1", rows[0].ID)
}

func TestWorkflowSource_History(t *testing.T) {
	s := storeFixture(t)
	seedTicket(t, s)
	src := NewWorkflowSource(s)

	history, err := src.History(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, types.RoleUser, history[0].Role, "customer 映射为 user")
	assert.Equal(t, types.RoleAssistant, history[1].Role, "ai 映射为 assistant")
	assert.Equal(t, types.RoleUser, history[2].Role)
	require.Len(t, history[2].Images, 1)
	assert.Equal(t, "http://img/2.png", history[2].Images[0].URL)
}

func TestWorkflowSource_LoadDefinitions(t *testing.T) {
	s := storeFixture(t)
	graph := `{
		"nodes": [
			{"id": "start", "kind": "start"},
			{"id": "chat", "kind": "smart_chat"},
			{"id": "end", "kind": "end"}
		],
		"edges": [
			{"source": "start", "target": "chat"},
			{"source": "chat", "target": "end"}
		]
	}`
	require.NoError(t, s.DB().Create(&WorkflowDefinitionRow{
		ID: "wf-row", Name: "行内名称", Graph: graph, Enabled: true,
	}).Error)

	defs, err := NewWorkflowSource(s).LoadDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "wf-row", defs[0].ID, "图内缺省 id 取行主键")
	assert.Equal(t, "行内名称", defs[0].Name)
	assert.Len(t, defs[0].Nodes, 3)
}
