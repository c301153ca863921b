package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bytecare/supportflow/types"
)

// ErrNotFound 查询目标不存在。
var ErrNotFound = errors.New("store: not found")

// Store 工作流引擎需要的窄存储契约。
type Store interface {
	// GetTicket 按 ID 查询工单
	GetTicket(ctx context.Context, ticketID string) (*types.Ticket, error)

	// ListMessages 按创建时间升序返回工单会话历史
	ListMessages(ctx context.Context, ticketID string) ([]ChatMessageRow, error)

	// UpdateTicketStatus 推进工单状态
	UpdateTicketStatus(ctx context.Context, ticketID string, status types.TicketStatus) error

	// GetHandoff 读取工单的转人工记录，不存在返回 ErrNotFound
	GetHandoff(ctx context.Context, ticketID string) (*HandoffRecordRow, error)

	// CreateHandoff 创建转人工记录；ticket_id 冲突时忽略并返回 created=false
	CreateHandoff(ctx context.Context, rec *HandoffRecordRow) (created bool, err error)

	// MarkNotificationSent 标记转人工通知已发出
	MarkNotificationSent(ctx context.Context, ticketID string) error

	// ListWorkflowDefinitions 返回全部启用的工作流定义
	ListWorkflowDefinitions(ctx context.Context) ([]WorkflowDefinitionRow, error)

	// ListScopeBindings 返回全部作用域路由
	ListScopeBindings(ctx context.Context) ([]ScopeBindingRow, error)
}

// GormStore 基于 gorm 的 Store 实现。
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建存储并迁移引擎私有表（工单/消息表归上层系统，仅测试环境迁移）。
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&HandoffRecordRow{}, &WorkflowDefinitionRow{}, &ScopeBindingRow{}); err != nil {
		return nil, fmt.Errorf("migrate engine tables: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// MigrateAll 额外迁移工单与消息表，测试与内嵌部署使用。
func (s *GormStore) MigrateAll() error {
	return s.db.AutoMigrate(&TicketRow{}, &ChatMessageRow{})
}

// DB 暴露底层句柄（测试播种用）。
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) GetTicket(ctx context.Context, ticketID string) (*types.Ticket, error) {
	var row TicketRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", ticketID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	return row.Ticket(), nil
}

func (s *GormStore) ListMessages(ctx context.Context, ticketID string) ([]ChatMessageRow, error) {
	var rows []ChatMessageRow
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", ticketID, err)
	}
	return rows, nil
}

func (s *GormStore) UpdateTicketStatus(ctx context.Context, ticketID string, status types.TicketStatus) error {
	result := s.db.WithContext(ctx).Model(&TicketRow{}).
		Where("id = ?", ticketID).
		Update("status", string(status))
	if result.Error != nil {
		return fmt.Errorf("update ticket status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetHandoff(ctx context.Context, ticketID string) (*HandoffRecordRow, error) {
	var row HandoffRecordRow
	err := s.db.WithContext(ctx).First(&row, "ticket_id = ?", ticketID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get handoff for %s: %w", ticketID, err)
	}
	return &row, nil
}

func (s *GormStore) CreateHandoff(ctx context.Context, rec *HandoffRecordRow) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	// ticket_id 唯一索引 + DoNothing：并发的两次 check-then-act 最多落库一条
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ticket_id"}},
		DoNothing: true,
	}).Create(rec)
	if result.Error != nil {
		return false, fmt.Errorf("create handoff for %s: %w", rec.TicketID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) MarkNotificationSent(ctx context.Context, ticketID string) error {
	err := s.db.WithContext(ctx).Model(&HandoffRecordRow{}).
		Where("ticket_id = ?", ticketID).
		Update("notification_sent", true).Error
	if err != nil {
		return fmt.Errorf("mark notification sent for %s: %w", ticketID, err)
	}
	return nil
}

func (s *GormStore) ListWorkflowDefinitions(ctx context.Context) ([]WorkflowDefinitionRow, error) {
	var rows []WorkflowDefinitionRow
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	return rows, nil
}

func (s *GormStore) ListScopeBindings(ctx context.Context) ([]ScopeBindingRow, error) {
	var rows []ScopeBindingRow
	err := s.db.WithContext(ctx).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list scope bindings: %w", err)
	}
	return rows, nil
}

func decodeStringArray(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
