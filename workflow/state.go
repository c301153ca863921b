package workflow

import (
	"github.com/bytecare/supportflow/rag"
	"github.com/bytecare/supportflow/types"
)

// State 单次调用的会话状态。每次调用从持久化历史重建，终端节点执行后即弃，
// 从不直接持久化（只有副作用——转人工记录、知识库写入——落库）。
// 状态只通过 Apply 合并 Update，节点不直接改写。
type State struct {
	Ticket   *types.Ticket
	Messages []types.Message

	// UserQuery 最近一条客户消息文本
	UserQuery string
	// UserImages 最近一条客户消息附带的图片
	UserImages []types.ImageContent

	Sentiment       types.Sentiment
	HandoffRequired bool
	HandoffReason   string
	Priority        types.Priority

	ProposeEscalation bool
	EscalationReason  string

	SearchQueries    []string
	RetrievedContext []rag.SearchHit

	// Response 终端输出；空串表示本轮无自动回复
	Response string

	// Variables 各节点执行间浅合并的开放变量袋
	Variables map[string]any
}

// NewState 创建空状态。
func NewState(ticket *types.Ticket, messages []types.Message) *State {
	st := &State{
		Ticket:    ticket,
		Messages:  messages,
		Sentiment: types.SentimentNeutral,
		Variables: make(map[string]any),
	}
	// 最近一条客户消息决定本轮 userQuery
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			st.UserQuery = messages[i].Content
			st.UserImages = messages[i].Images
			break
		}
	}
	return st
}

// Update 节点执行产生的增量状态更新。指针字段 nil 表示不更新；
// 切片字段 nil 表示不更新、空切片表示清空；Variables 浅合并。
type Update struct {
	Sentiment         *types.Sentiment
	HandoffRequired   *bool
	HandoffReason     *string
	Priority          *types.Priority
	ProposeEscalation *bool
	EscalationReason  *string
	SearchQueries     []string
	RetrievedContext  []rag.SearchHit
	Response          *string
	Variables         map[string]any
}

// Apply 将增量合并进状态。
func (s *State) Apply(u *Update) {
	if u == nil {
		return
	}
	if u.Sentiment != nil {
		s.Sentiment = *u.Sentiment
	}
	if u.HandoffRequired != nil {
		s.HandoffRequired = *u.HandoffRequired
	}
	if u.HandoffReason != nil {
		s.HandoffReason = *u.HandoffReason
	}
	if u.Priority != nil {
		s.Priority = *u.Priority
	}
	if u.ProposeEscalation != nil {
		s.ProposeEscalation = *u.ProposeEscalation
	}
	if u.EscalationReason != nil {
		s.EscalationReason = *u.EscalationReason
	}
	if u.SearchQueries != nil {
		s.SearchQueries = u.SearchQueries
	}
	if u.RetrievedContext != nil {
		s.RetrievedContext = u.RetrievedContext
	}
	if u.Response != nil {
		s.Response = *u.Response
	}
	for k, v := range u.Variables {
		s.Variables[k] = v
	}
}

// Bag 将状态铺平成变量袋，供条件边求值与模板渲染。
// Variables 中的键可覆盖内置键。
func (s *State) Bag() map[string]any {
	bag := map[string]any{
		"userQuery":             s.UserQuery,
		"sentiment":             string(s.Sentiment),
		"handoffRequired":       s.HandoffRequired,
		"handoffReason":         s.HandoffReason,
		"priority":              string(s.Priority),
		"proposeEscalation":     s.ProposeEscalation,
		"escalationReason":      s.EscalationReason,
		"response":              s.Response,
		"retrievedContextCount": len(s.RetrievedContext),
		"retrievedContext":      rag.FormatContext(s.RetrievedContext),
	}
	if s.Ticket != nil {
		bag["ticketId"] = s.Ticket.ID
		bag["ticketTitle"] = s.Ticket.Title
		bag["ticketModule"] = s.Ticket.Module
		bag["ticketCategory"] = s.Ticket.Category
		bag["ticketDescription"] = s.Ticket.Description
	}
	for k, v := range s.Variables {
		bag[k] = v
	}
	return bag
}

// 便捷构造器：节点代码里大量构造 Update，指针字面量太吵。

func StringPtr(v string) *string                  { return &v }
func BoolPtr(v bool) *bool                        { return &v }
func SentimentPtr(v types.Sentiment) *types.Sentiment { return &v }
func PriorityPtr(v types.Priority) *types.Priority    { return &v }
