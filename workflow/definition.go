package workflow

import (
	"encoding/json"
	"fmt"
)

// NodeKind 节点类型标签
type NodeKind string

const (
	KindStart           NodeKind = "start"
	KindEnd             NodeKind = "end"
	KindEmotionDetector NodeKind = "emotion_detector"
	KindRag             NodeKind = "rag"
	KindSmartChat       NodeKind = "smart_chat"
	KindEscalationOffer NodeKind = "escalation_offer"
	KindHandoff         NodeKind = "handoff"
)

// KnownKind reports whether k is a kind this engine can compile.
func KnownKind(k NodeKind) bool {
	switch k {
	case KindStart, KindEnd, KindEmotionDetector, KindRag, KindSmartChat, KindEscalationOffer, KindHandoff:
		return true
	}
	return false
}

// Node 工作流节点。Config 按 Kind 解码到各节点的配置结构（tagged union）。
type Node struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// DecodeConfig 将节点配置解码到 out；空配置保持 out 的零值/默认值。
func (n Node) DecodeConfig(out any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Config, out); err != nil {
		return fmt.Errorf("node %s (%s) config: %w", n.ID, n.Kind, err)
	}
	return nil
}

// Edge 有向边。Condition 为空表示无条件边；非空时在路由时对变量袋求值。
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Condition    string `json:"condition,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Definition 外部编排、版本化的工作流定义，编译后不可变。
type Definition struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseDefinition 从 JSON 解析定义。
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	return &def, nil
}

// LLMOverride 节点级模型覆盖
type LLMOverride struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
	Model   string `json:"model"`
}

// EmotionConfig 情绪/意图检测节点配置
type EmotionConfig struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	UserPrompt   string `json:"userPrompt,omitempty"`
	// HumanPatterns 明确转人工触发模式（正则），空用内置默认
	HumanPatterns []string `json:"humanPatterns,omitempty"`
	// AbusePatterns 辱骂语言模式（正则），空用内置默认
	AbusePatterns []string     `json:"abusePatterns,omitempty"`
	LLM           *LLMOverride `json:"llm,omitempty"`
}

// RagConfig 检索节点配置
type RagConfig struct {
	// IntentGate 是否启用意图闸门（NEED_SEARCH / NO_SEARCH 分类）
	IntentGate   bool   `json:"intentGate,omitempty"`
	IntentPrompt string `json:"intentPrompt,omitempty"`
	QueryPrompt  string `json:"queryPrompt,omitempty"`
	// MaxQueries 生成查询上限（2–3）
	MaxQueries int `json:"maxQueries,omitempty"`
	// SourceTypes 限定检索来源
	SourceTypes []string `json:"sourceTypes,omitempty"`
	// ModuleFilter 是否按工单模块过滤
	ModuleFilter bool         `json:"moduleFilter,omitempty"`
	LLM          *LLMOverride `json:"llm,omitempty"`
}

// ChatConfig 生成节点配置
type ChatConfig struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	UserPrompt   string `json:"userPrompt,omitempty"`
	// Vision 是否附带图片（工单描述图 + 最新客户消息图）
	Vision bool `json:"vision,omitempty"`
	// MaxImages 附图上限，默认 6
	MaxImages   int          `json:"maxImages,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
	LLM         *LLMOverride `json:"llm,omitempty"`
}

// EscalationConfig 升级建议节点配置
type EscalationConfig struct {
	Prompt string `json:"prompt,omitempty"`
	// OfferTemplate 升级提议话术模板
	OfferTemplate string `json:"offerTemplate,omitempty"`
	// WeakThreshold 检索上下文条数 ≤ 该值视为弱检索信号，默认 1
	WeakThreshold int          `json:"weakThreshold,omitempty"`
	LLM           *LLMOverride `json:"llm,omitempty"`
}

// HandoffConfig 转人工节点配置
type HandoffConfig struct {
	// MessageTemplate 转人工话术模板
	MessageTemplate string `json:"messageTemplate,omitempty"`
	// AssignedAgentID 指定接手客服，空表示走默认派单
	AssignedAgentID string `json:"assignedAgentId,omitempty"`
}
