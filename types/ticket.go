package types

// TicketStatus 工单状态
type TicketStatus string

const (
	TicketStatusOpen         TicketStatus = "open"
	TicketStatusInProgress   TicketStatus = "in_progress"
	TicketStatusPendingHuman TicketStatus = "pending_human" // 已转人工，等待客服接入
	TicketStatusResolved     TicketStatus = "resolved"
	TicketStatusClosed       TicketStatus = "closed"
)

// Ticket 工单摘要，工作流执行期间只读
type Ticket struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Module      string       `json:"module"`
	Category    string       `json:"category"`
	Description string       `json:"description"`
	Images      []string     `json:"images,omitempty"` // 工单描述附带的图片 URL
	CustomerID  string       `json:"customer_id"`
	Status      TicketStatus `json:"status"`
}

// Sentiment 情绪分类标签（8 类）
type Sentiment string

const (
	SentimentSatisfied    Sentiment = "SATISFIED"
	SentimentNeutral      Sentiment = "NEUTRAL"
	SentimentConfused     Sentiment = "CONFUSED"
	SentimentFrustrated   Sentiment = "FRUSTRATED"
	SentimentAngry        Sentiment = "ANGRY"
	SentimentAnxious      Sentiment = "ANXIOUS"
	SentimentGrateful     Sentiment = "GRATEFUL"
	SentimentDisappointed Sentiment = "DISAPPOINTED"
)

// ValidSentiment reports whether s is one of the eight known labels.
func ValidSentiment(s Sentiment) bool {
	switch s {
	case SentimentSatisfied, SentimentNeutral, SentimentConfused, SentimentFrustrated,
		SentimentAngry, SentimentAnxious, SentimentGrateful, SentimentDisappointed:
		return true
	}
	return false
}

// Priority 转人工优先级
type Priority string

const (
	PriorityP1 Priority = "P1" // 紧急：客户强烈不满或业务受阻
	PriorityP2 Priority = "P2" // 普通：明确要求人工或多轮未解决
	PriorityP3 Priority = "P3" // 低：可延后处理
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	return p == PriorityP1 || p == PriorityP2 || p == PriorityP3
}
