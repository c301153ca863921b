// Package nodes 实现工作流的各业务节点：情绪/意图检测、知识检索、回复生成、
// 升级建议与转人工。每个节点是 (state, config) -> 增量更新 的纯函数式处理器，
// 内部失败降级为保守默认，从不中断图的推进。
package nodes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/internal/metrics"
	"github.com/bytecare/supportflow/llm"
	"github.com/bytecare/supportflow/rag"
	"github.com/bytecare/supportflow/store"
	"github.com/bytecare/supportflow/workflow"
)

// classifyTimeout 分类调用的节点级超时，防止单次 LLM 悬挂拖垮整轮会话。
const classifyTimeout = 25 * time.Second

// Notifier 转人工通知通道（飞书等），由上层注入。
type Notifier interface {
	NotifyHandoff(ctx context.Context, rec *store.HandoffRecordRow) error
}

// Deps 节点的全部外部依赖，显式注入，不走全局单例。
type Deps struct {
	// Provider 默认 LLM Provider
	Provider llm.Provider
	// ProviderFactory 按节点级覆盖构造 Provider，nil 时忽略覆盖
	ProviderFactory func(ov *workflow.LLMOverride) llm.Provider
	// Retriever 检索管线
	Retriever *rag.Retriever
	// Store 关系存储（转人工节点使用）
	Store store.Store
	// Notifier 转人工通知，nil 表示不通知
	Notifier Notifier
	// Metrics 指标，nil 表示不打点
	Metrics *metrics.Engine
	Logger  *zap.Logger
}

// Registry 节点处理器工厂，实现 workflow.HandlerFactory。
type Registry struct {
	deps Deps

	// 节点级模型覆盖解析出的 Provider 按键缓存，避免逐次重建 http.Client
	mu        sync.Mutex
	overrides map[string]llm.Provider
}

// NewRegistry creates the node handler factory.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{deps: deps, overrides: make(map[string]llm.Provider)}
}

var _ workflow.HandlerFactory = (*Registry)(nil)

// Build 按节点 Kind 分发处理器构造。
func (r *Registry) Build(node workflow.Node) (workflow.Handler, error) {
	switch node.Kind {
	case workflow.KindEmotionDetector:
		return newEmotionNode(node, r)
	case workflow.KindRag:
		return newRagNode(node, r)
	case workflow.KindSmartChat:
		return newChatNode(node, r)
	case workflow.KindEscalationOffer:
		return newEscalationNode(node, r)
	case workflow.KindHandoff:
		return newHandoffNode(node, r)
	default:
		return nil, fmt.Errorf("no handler for node kind %q", node.Kind)
	}
}

// provider 解析节点级模型覆盖；无覆盖或无工厂时用默认 Provider。
func (r *Registry) provider(ov *workflow.LLMOverride) llm.Provider {
	if ov == nil || ov.Model == "" || r.deps.ProviderFactory == nil {
		return r.deps.Provider
	}

	key := ov.BaseURL + "|" + ov.Model
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.overrides[key]; ok {
		return p
	}
	p := r.deps.ProviderFactory(ov)
	if p == nil {
		return r.deps.Provider
	}
	r.overrides[key] = p
	return p
}

// nodeFailure 打点一次节点降级。
func (r *Registry) nodeFailure(kind workflow.NodeKind) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.NodeFailure(string(kind))
	}
}

// llmCall 打点一次 LLM 调用结果。
func (r *Registry) llmCall(purpose string, err error) {
	if r.deps.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.deps.Metrics.LLMCall(purpose, outcome)
}
