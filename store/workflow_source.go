package store

import (
	"context"
	"fmt"

	"github.com/bytecare/supportflow/types"
	"github.com/bytecare/supportflow/workflow"
)

// WorkflowSource 把关系库适配成 workflow 包需要的两个窄接口：
// DefinitionSource（定义与路由加载）与 ConversationSource（状态装配）。
type WorkflowSource struct {
	store Store
}

// NewWorkflowSource creates the adapter.
func NewWorkflowSource(s Store) *WorkflowSource {
	return &WorkflowSource{store: s}
}

var (
	_ workflow.DefinitionSource   = (*WorkflowSource)(nil)
	_ workflow.ConversationSource = (*WorkflowSource)(nil)
)

// LoadDefinitions 加载并解析全部启用的工作流定义。
func (ws *WorkflowSource) LoadDefinitions(ctx context.Context) ([]workflow.Definition, error) {
	rows, err := ws.store.ListWorkflowDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]workflow.Definition, 0, len(rows))
	for _, row := range rows {
		def, err := workflow.ParseDefinition([]byte(row.Graph))
		if err != nil {
			return nil, fmt.Errorf("definition %s: %w", row.ID, err)
		}
		if def.ID == "" {
			def.ID = row.ID
		}
		if def.Name == "" {
			def.Name = row.Name
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

// LoadScopeBindings 加载作用域路由。
func (ws *WorkflowSource) LoadScopeBindings(ctx context.Context) ([]workflow.ScopeBinding, error) {
	rows, err := ws.store.ListScopeBindings(ctx)
	if err != nil {
		return nil, err
	}
	bindings := make([]workflow.ScopeBinding, 0, len(rows))
	for _, row := range rows {
		bindings = append(bindings, workflow.ScopeBinding{
			Scope:      row.Scope,
			AIUserID:   row.AIUserID,
			WorkflowID: row.WorkflowID,
			IsDefault:  row.IsDefault,
		})
	}
	return bindings, nil
}

// GetTicket 按 id 查询工单摘要。
func (ws *WorkflowSource) GetTicket(ctx context.Context, ticketID string) (*types.Ticket, error) {
	return ws.store.GetTicket(ctx, ticketID)
}

// History 将持久化消息行映射为 LLM 角色的会话历史。
func (ws *WorkflowSource) History(ctx context.Context, ticketID string) ([]types.Message, error) {
	rows, err := ws.store.ListMessages(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Message, 0, len(rows))
	for _, row := range rows {
		role := types.RoleAssistant
		if row.Role == MessageRoleCustomer {
			role = types.RoleUser
		}
		msg := types.Message{
			Role:      role,
			Content:   row.Content,
			CreatedAt: row.CreatedAt,
		}
		for _, url := range decodeStringArray(row.Images) {
			msg.Images = append(msg.Images, types.ImageContent{Type: "url", URL: url})
		}
		out = append(out, msg)
	}
	return out, nil
}
