package nodes

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/llm"
	"github.com/bytecare/supportflow/types"
	"github.com/bytecare/supportflow/workflow"
)

// 内置的确定性触发模式。命中即短路转人工，完全跳过 LLM 调用：
// 既省时延和成本，也是分类模型不可用时的兜底。
var (
	defaultHumanPatterns = []string{
		`转人工`, `人工客服`, `人工服务`, `找人工`, `真人客服`, `接人工`, `不要回复了`,
		`(?i)talk to (a )?human`, `(?i)human agent`, `(?i)real person`, `(?i)speak to (a |an )?(agent|person|human)`,
	}
	defaultAbusePatterns = []string{
		`垃圾(产品|平台|服务|东西)`, `废物`, `骗子`, `妈的`, `滚`,
		`(?i)\bfuck`, `(?i)\bshit\b`, `(?i)\bscam\b`, `(?i)useless (crap|garbage)`,
	}
)

const defaultHandoffReason = "用户明确要求人工服务"

// emotionNode 情绪/意图检测节点。
// 先跑确定性启发式匹配（明确转人工、辱骂），未命中才走受 Schema 约束的分类调用。
type emotionNode struct {
	cfg      workflow.EmotionConfig
	human    []*regexp.Regexp
	abuse    []*regexp.Regexp
	provider llm.Provider
	reg      *Registry
	logger   *zap.Logger
}

func newEmotionNode(node workflow.Node, reg *Registry) (*emotionNode, error) {
	var cfg workflow.EmotionConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	human, err := compilePatterns(cfg.HumanPatterns, defaultHumanPatterns)
	if err != nil {
		return nil, err
	}
	abuse, err := compilePatterns(cfg.AbusePatterns, defaultAbusePatterns)
	if err != nil {
		return nil, err
	}

	return &emotionNode{
		cfg:      cfg,
		human:    human,
		abuse:    abuse,
		provider: reg.provider(cfg.LLM),
		reg:      reg,
		logger:   reg.deps.Logger.With(zap.String("node", node.ID), zap.String("kind", "emotion_detector")),
	}, nil
}

func (n *emotionNode) Kind() workflow.NodeKind { return workflow.KindEmotionDetector }

type emotionClassification struct {
	Sentiment       string   `json:"sentiment"`
	HandoffRequired bool     `json:"handoff_required"`
	Reasons         []string `json:"reasons"`
	Priority        string   `json:"priority"`
}

var emotionSchema = llm.ObjectSchema("emotion_classification", map[string]any{
	"sentiment": llm.EnumProperty(
		string(types.SentimentSatisfied), string(types.SentimentNeutral),
		string(types.SentimentConfused), string(types.SentimentFrustrated),
		string(types.SentimentAngry), string(types.SentimentAnxious),
		string(types.SentimentGrateful), string(types.SentimentDisappointed)),
	"handoff_required": llm.BoolProperty(),
	"reasons":          llm.StringArrayProperty(3),
	"priority":         llm.EnumProperty("P1", "P2", "P3"),
}, []string{"sentiment", "handoff_required", "reasons", "priority"})

func (n *emotionNode) Execute(ctx context.Context, st *workflow.State) (*workflow.Update, error) {
	text := st.UserQuery

	// 快速路径：明确要求人工，无需模型判断
	if matchAny(n.human, text) {
		n.logger.Info("explicit human request matched, short-circuiting")
		return &workflow.Update{
			HandoffRequired: workflow.BoolPtr(true),
			HandoffReason:   workflow.StringPtr(defaultHandoffReason),
			Priority:        workflow.PriorityPtr(types.PriorityP2),
		}, nil
	}
	if matchAny(n.abuse, text) {
		n.logger.Info("abusive language matched, short-circuiting")
		return &workflow.Update{
			Sentiment:       workflow.SentimentPtr(types.SentimentAngry),
			HandoffRequired: workflow.BoolPtr(true),
			HandoffReason:   workflow.StringPtr("客户情绪激烈，需人工安抚"),
			Priority:        workflow.PriorityPtr(types.PriorityP1),
		}, nil
	}

	bag := st.Bag()
	req := &llm.ChatRequest{
		Messages:    buildClassifyMessages(n.cfg.SystemPrompt, n.cfg.UserPrompt, bag, text),
		Temperature: 0,
	}

	callCtx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	var result emotionClassification
	err := llm.Classify(callCtx, n.provider, req, emotionSchema, &result)
	n.reg.llmCall("emotion", err)
	if err != nil {
		// fail-open：不阻断管线，情绪回落 NEUTRAL，转人工标记保持不变
		n.reg.nodeFailure(workflow.KindEmotionDetector)
		n.logger.Warn("emotion classification degraded to neutral", zap.Error(err))
		return &workflow.Update{Sentiment: workflow.SentimentPtr(types.SentimentNeutral)}, err
	}

	sentiment := types.Sentiment(result.Sentiment)
	if !types.ValidSentiment(sentiment) {
		sentiment = types.SentimentNeutral
	}

	upd := &workflow.Update{
		Sentiment:       workflow.SentimentPtr(sentiment),
		HandoffRequired: workflow.BoolPtr(result.HandoffRequired),
	}
	if result.HandoffRequired {
		priority := types.Priority(result.Priority)
		if !types.ValidPriority(priority) {
			priority = types.PriorityP2
		}
		upd.Priority = workflow.PriorityPtr(priority)
		if len(result.Reasons) > 0 {
			upd.HandoffReason = workflow.StringPtr(strings.Join(result.Reasons, "；"))
		}
	}
	return upd, nil
}

func compilePatterns(custom, defaults []string) ([]*regexp.Regexp, error) {
	patterns := custom
	if len(patterns) == 0 {
		patterns = defaults
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// buildClassifyMessages 组装分类调用的消息序列。
// 模板为空时退化为裸用户文本，系统提示交给模型默认行为。
func buildClassifyMessages(systemTpl, userTpl string, bag map[string]any, fallback string) []llm.Message {
	var msgs []llm.Message
	if systemTpl != "" {
		msgs = append(msgs, llm.Message{Role: types.RoleSystem, Content: workflow.RenderTemplate(systemTpl, bag)})
	}
	user := workflow.RenderTemplate(userTpl, bag)
	if user == "" {
		user = fallback
	}
	msgs = append(msgs, llm.Message{Role: types.RoleUser, Content: user})
	return msgs
}
