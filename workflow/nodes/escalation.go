package nodes

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/llm"
	"github.com/bytecare/supportflow/types"
	"github.com/bytecare/supportflow/workflow"
)

const (
	defaultWeakThreshold = 1
	defaultOfferTemplate = "如果以上回复没有解决您的问题，我可以为您转接人工客服，需要吗？"
)

// escalationNode 升级建议节点：结构化分类决定是否主动提议转人工。
// 弱检索信号（命中 ≤ 阈值）作为显式特征喂给分类器。
// 分类失败 fail-open 到 CONTINUE——绝不因为模型错误强迫升级。
type escalationNode struct {
	cfg      workflow.EscalationConfig
	provider llm.Provider
	reg      *Registry
	logger   *zap.Logger
}

func newEscalationNode(node workflow.Node, reg *Registry) (*escalationNode, error) {
	var cfg workflow.EscalationConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.WeakThreshold <= 0 {
		cfg.WeakThreshold = defaultWeakThreshold
	}
	if cfg.OfferTemplate == "" {
		cfg.OfferTemplate = defaultOfferTemplate
	}
	return &escalationNode{
		cfg:      cfg,
		provider: reg.provider(cfg.LLM),
		reg:      reg,
		logger:   reg.deps.Logger.With(zap.String("node", node.ID), zap.String("kind", "escalation_offer")),
	}, nil
}

func (n *escalationNode) Kind() workflow.NodeKind { return workflow.KindEscalationOffer }

type escalationClassification struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

var escalationSchema = llm.ObjectSchema("escalation_decision", map[string]any{
	"decision": llm.EnumProperty("PROPOSE_ESCALATION", "CONTINUE"),
	"reason":   map[string]any{"type": "string"},
	"priority": llm.EnumProperty("P1", "P2", "P3"),
}, []string{"decision", "reason", "priority"})

func (n *escalationNode) Execute(ctx context.Context, st *workflow.State) (*workflow.Update, error) {
	weakRetrieval := len(st.RetrievedContext) <= n.cfg.WeakThreshold

	bag := st.Bag()
	bag["weakRetrieval"] = weakRetrieval

	callCtx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	req := &llm.ChatRequest{
		Messages:    buildClassifyMessages("", n.cfg.Prompt, bag, st.UserQuery),
		Temperature: 0,
	}
	var result escalationClassification
	err := llm.Classify(callCtx, n.provider, req, escalationSchema, &result)
	n.reg.llmCall("escalation", err)
	if err != nil {
		n.reg.nodeFailure(workflow.KindEscalationOffer)
		n.logger.Warn("escalation classification degraded to CONTINUE", zap.Error(err))
		return nil, err
	}

	if result.Decision != "PROPOSE_ESCALATION" {
		return &workflow.Update{Variables: map[string]any{"escalationDecision": "CONTINUE"}}, nil
	}

	priority := types.Priority(result.Priority)
	if !types.ValidPriority(priority) {
		priority = types.PriorityP3
	}

	// 提议话术追加在已生成回复之后，构成本轮终端输出
	offer := workflow.RenderTemplate(n.cfg.OfferTemplate, bag)
	response := st.Response
	if response != "" {
		response = strings.TrimRight(response, "\n") + "\n\n" + offer
	} else {
		response = offer
	}

	return &workflow.Update{
		ProposeEscalation: workflow.BoolPtr(true),
		EscalationReason:  workflow.StringPtr(result.Reason),
		Priority:          workflow.PriorityPtr(priority),
		Response:          workflow.StringPtr(response),
		Variables:         map[string]any{"escalationDecision": "PROPOSE_ESCALATION"},
	}, nil
}
