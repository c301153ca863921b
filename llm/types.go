package llm

import (
	"encoding/json"
	"time"

	"github.com/bytecare/supportflow/types"
)

// Message 对话消息。Images 非空时由 Provider 转换为多模态 content 数组。
type Message struct {
	Role    types.Role           `json:"role"`
	Content string               `json:"content,omitempty"`
	Images  []types.ImageContent `json:"images,omitempty"`
}

// Schema 约束 LLM 输出为固定 JSON 结构（分类节点使用）。
// Definition 是完整的 JSON Schema 文档。
type Schema struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// ChatRequest 聊天补全请求
type ChatRequest struct {
	TraceID     string    `json:"trace_id,omitempty"`
	Model       string    `json:"model,omitempty"` // 为空时使用 Provider 默认模型
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	// ResponseSchema 非空时约束模型输出为该 Schema 的 JSON
	ResponseSchema *Schema `json:"response_schema,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Text 返回首个 choice 的文本内容，无 choice 时返回空串。
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}
