// Package store 封装工作流引擎依赖的窄关系查询：工单查询、会话历史、
// 转人工记录的读写，以及工作流定义的加载。完整业务 schema 归上层系统所有。
package store

import (
	"time"

	"github.com/bytecare/supportflow/types"
)

// TicketRow 工单行（引擎只读它需要的列）
type TicketRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Title       string `gorm:"size:512"`
	Module      string `gorm:"size:64;index"`
	Category    string `gorm:"size:64"`
	Description string `gorm:"type:text"`
	Images      string `gorm:"type:text"` // JSON array of URLs
	CustomerID  string `gorm:"size:64"`
	Status      string `gorm:"size:32"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TicketRow) TableName() string { return "tickets" }

// ChatMessageRow 会话消息行，按创建时间升序构成会话历史
type ChatMessageRow struct {
	ID        uint   `gorm:"primaryKey"`
	TicketID  string `gorm:"size:64;index"`
	Role      string `gorm:"size:16"` // "customer" / "ai" / "agent"
	Content   string `gorm:"type:text"`
	Images    string `gorm:"type:text"` // JSON array of URLs
	CreatedAt time.Time
}

func (ChatMessageRow) TableName() string { return "chat_messages" }

// HandoffRecordRow 转人工记录。ticket_id 唯一索引把并发 check-then-act
// 竞态收敛为冲突忽略。
type HandoffRecordRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	TicketID         string `gorm:"size:64;uniqueIndex"`
	HandoffReason    string `gorm:"size:512"`
	Priority         string `gorm:"size:8"`
	Sentiment        string `gorm:"size:32"`
	CustomerID       string `gorm:"size:64"`
	AssignedAgentID  string `gorm:"size:64"`
	UserQuery        string `gorm:"type:text"`
	NotificationSent bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (HandoffRecordRow) TableName() string { return "handoff_records" }

// WorkflowDefinitionRow 外部编排的工作流定义，Graph 为 {id,name,nodes,edges} JSON。
type WorkflowDefinitionRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128"`
	Graph     string `gorm:"type:text"`
	Enabled   bool   `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (WorkflowDefinitionRow) TableName() string { return "workflow_definitions" }

// ScopeBindingRow 作用域路由：scope（工单模块）→ {AI 客服账号, 工作流}
type ScopeBindingRow struct {
	ID         uint   `gorm:"primaryKey"`
	Scope      string `gorm:"size:64;uniqueIndex"`
	AIUserID   string `gorm:"size:64"`
	WorkflowID string `gorm:"size:64"`
	IsDefault  bool   `gorm:"default:false"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ScopeBindingRow) TableName() string { return "workflow_scope_bindings" }

// 消息角色常量（持久层用，区别于 LLM 角色）
const (
	MessageRoleCustomer = "customer"
	MessageRoleAI       = "ai"
	MessageRoleAgent    = "agent"
)

// Ticket 将行转换为引擎使用的工单摘要。
func (t *TicketRow) Ticket() *types.Ticket {
	return &types.Ticket{
		ID:          t.ID,
		Title:       t.Title,
		Module:      t.Module,
		Category:    t.Category,
		Description: t.Description,
		Images:      decodeStringArray(t.Images),
		CustomerID:  t.CustomerID,
		Status:      types.TicketStatus(t.Status),
	}
}
