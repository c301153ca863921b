package nodes

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/llm"
	"github.com/bytecare/supportflow/rag"
	"github.com/bytecare/supportflow/workflow"
)

// noSearchPatterns 明显无需检索的消息：寒暄、致谢、确认。
// 命中即短路为空上下文，不做任何 LLM 调用。
var noSearchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(你好|您好|在吗|哈喽|早上好|下午好|晚上好)[!！。.~？?\s]*$`),
	regexp.MustCompile(`^(谢谢|多谢|感谢|谢了|辛苦了)[!！。.~\s]*(解决了|搞定了)?[!！。.~\s]*$`),
	regexp.MustCompile(`(谢谢|感谢)[^，,]{0,6}(解决|搞定)了?`),
	regexp.MustCompile(`^(好的|收到|明白|了解|嗯|行|没问题|可以|知道了)[!！。.~\s]*$`),
	regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|thx|ok|okay|got it|cool|great)[!.~\s]*$`),
}

// ragNode 知识检索节点，两阶段：
// 意图闸门（启发式短路 + 可选 LLM 分类）→ 多查询生成与并发检索。
type ragNode struct {
	cfg      workflow.RagConfig
	provider llm.Provider
	reg      *Registry
	logger   *zap.Logger
}

func newRagNode(node workflow.Node, reg *Registry) (*ragNode, error) {
	var cfg workflow.RagConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.MaxQueries <= 0 || cfg.MaxQueries > 3 {
		cfg.MaxQueries = 3
	}
	return &ragNode{
		cfg:      cfg,
		provider: reg.provider(cfg.LLM),
		reg:      reg,
		logger:   reg.deps.Logger.With(zap.String("node", node.ID), zap.String("kind", "rag")),
	}, nil
}

func (n *ragNode) Kind() workflow.NodeKind { return workflow.KindRag }

type intentClassification struct {
	Decision string `json:"decision"`
}

var intentSchema = llm.ObjectSchema("search_intent", map[string]any{
	"decision": llm.EnumProperty("NEED_SEARCH", "NO_SEARCH"),
}, []string{"decision"})

type queryGeneration struct {
	Queries []string `json:"queries"`
}

var querySchema = llm.ObjectSchema("search_queries", map[string]any{
	"queries": llm.StringArrayProperty(3),
}, []string{"queries"})

func (n *ragNode) Execute(ctx context.Context, st *workflow.State) (*workflow.Update, error) {
	query := strings.TrimSpace(st.UserQuery)

	// 阶段 A：意图闸门
	if query == "" || matchAny(noSearchPatterns, query) {
		n.logger.Debug("no-search heuristic matched, skipping retrieval")
		return emptyContextUpdate("NO_SEARCH"), nil
	}
	if n.cfg.IntentGate {
		if decision := n.classifyIntent(ctx, st, query); decision == "NO_SEARCH" {
			return emptyContextUpdate("NO_SEARCH"), nil
		}
	}

	// 阶段 B：查询生成 + 并发检索
	queries := n.generateQueries(ctx, st, query)

	filters := &rag.SearchFilters{SourceTypes: n.cfg.SourceTypes}
	if n.cfg.ModuleFilter && st.Ticket != nil {
		filters.Module = st.Ticket.Module
	}

	hits := n.reg.deps.Retriever.Retrieve(ctx, queries, query, filters)
	if n.reg.deps.Metrics != nil {
		n.reg.deps.Metrics.ObserveRetrieval(len(hits))
	}
	n.logger.Info("retrieval finished",
		zap.Int("queries", len(queries)),
		zap.Int("hits", len(hits)))

	return &workflow.Update{
		SearchQueries:    queries,
		RetrievedContext: hits,
		Variables: map[string]any{
			"searchDecision":         "NEED_SEARCH",
			"retrievedContextString": rag.FormatContext(hits),
		},
	}, nil
}

// classifyIntent LLM 意图分类。失败按 NEED_SEARCH 处理：
// 多检索一次只花成本，漏检索直接损害回答质量。
func (n *ragNode) classifyIntent(ctx context.Context, st *workflow.State, query string) string {
	callCtx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	req := &llm.ChatRequest{
		Messages:    buildClassifyMessages("", n.cfg.IntentPrompt, st.Bag(), query),
		Temperature: 0,
	}
	var result intentClassification
	err := llm.Classify(callCtx, n.provider, req, intentSchema, &result)
	n.reg.llmCall("search_intent", err)
	if err != nil {
		n.reg.nodeFailure(workflow.KindRag)
		n.logger.Warn("intent gate degraded to NEED_SEARCH", zap.Error(err))
		return "NEED_SEARCH"
	}
	return result.Decision
}

// generateQueries 结构化生成 2–3 个多样化查询；失败回退原始消息。
func (n *ragNode) generateQueries(ctx context.Context, st *workflow.State, query string) []string {
	callCtx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	req := &llm.ChatRequest{
		Messages:    buildClassifyMessages("", n.cfg.QueryPrompt, st.Bag(), query),
		Temperature: 0.3,
	}
	var result queryGeneration
	err := llm.Classify(callCtx, n.provider, req, querySchema, &result)
	n.reg.llmCall("query_generation", err)
	if err != nil {
		n.reg.nodeFailure(workflow.KindRag)
		n.logger.Warn("query generation failed, using raw message", zap.Error(err))
		return []string{query}
	}

	queries := sanitizeQueries(result.Queries, n.cfg.MaxQueries)
	if len(queries) == 0 {
		return []string{query}
	}
	return queries
}

// sanitizeQueries 去引号/标点噪声、去重、截断到上限。
func sanitizeQueries(raw []string, max int) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, max)
	for _, q := range raw {
		q = strings.Trim(strings.TrimSpace(q), `"'“”‘’`)
		q = strings.TrimRight(q, "。？！?!.,；;")
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		out = append(out, q)
		if len(out) >= max {
			break
		}
	}
	return out
}

func emptyContextUpdate(decision string) *workflow.Update {
	return &workflow.Update{
		RetrievedContext: []rag.SearchHit{},
		Variables: map[string]any{
			"searchDecision":         decision,
			"retrievedContextString": "",
		},
	}
}
