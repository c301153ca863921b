package nodes

import (
	"context"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/llm"
	"github.com/bytecare/supportflow/types"
	"github.com/bytecare/supportflow/workflow"
)

const defaultMaxImages = 6

// chatNode 回复生成节点。对变量袋渲染 system/user 模板（含格式化的检索上下文），
// 可选附图，返回模型原始文本——不做内容校验或后处理，那是产品层的决策。
type chatNode struct {
	cfg      workflow.ChatConfig
	provider llm.Provider
	reg      *Registry
	logger   *zap.Logger
}

func newChatNode(node workflow.Node, reg *Registry) (*chatNode, error) {
	var cfg workflow.ChatConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.MaxImages <= 0 || cfg.MaxImages > defaultMaxImages {
		cfg.MaxImages = defaultMaxImages
	}
	return &chatNode{
		cfg:      cfg,
		provider: reg.provider(cfg.LLM),
		reg:      reg,
		logger:   reg.deps.Logger.With(zap.String("node", node.ID), zap.String("kind", "smart_chat")),
	}, nil
}

func (n *chatNode) Kind() workflow.NodeKind { return workflow.KindSmartChat }

func (n *chatNode) Execute(ctx context.Context, st *workflow.State) (*workflow.Update, error) {
	bag := st.Bag()

	var msgs []llm.Message
	if n.cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{
			Role:    types.RoleSystem,
			Content: workflow.RenderTemplate(n.cfg.SystemPrompt, bag),
		})
	}

	// 会话历史原样进入上下文；渲染后的 user 模板（通常内嵌检索上下文与当前问题）
	// 作为最后一轮 user 输入
	for _, m := range st.Messages {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	user := workflow.RenderTemplate(n.cfg.UserPrompt, bag)
	if user != "" {
		final := llm.Message{Role: types.RoleUser, Content: user}
		if n.cfg.Vision {
			final.Images = n.collectImages(st)
		}
		msgs = append(msgs, final)
	} else if n.cfg.Vision && len(msgs) > 0 {
		last := &msgs[len(msgs)-1]
		if last.Role == types.RoleUser {
			last.Images = n.collectImages(st)
		}
	}

	resp, err := n.provider.Completion(ctx, &llm.ChatRequest{
		Messages:    msgs,
		Temperature: n.cfg.Temperature,
	})
	n.reg.llmCall("smart_chat", err)
	if err != nil {
		// 空响应交给驱动器的重试循环
		n.reg.nodeFailure(workflow.KindSmartChat)
		n.logger.Warn("chat generation failed", zap.Error(err))
		return &workflow.Update{Response: workflow.StringPtr("")}, err
	}

	return &workflow.Update{Response: workflow.StringPtr(resp.Text())}, nil
}

// collectImages 汇集附图：最新客户消息图优先，其次工单描述图，最多 MaxImages 张。
func (n *chatNode) collectImages(st *workflow.State) []types.ImageContent {
	images := make([]types.ImageContent, 0, n.cfg.MaxImages)
	for _, img := range st.UserImages {
		if len(images) >= n.cfg.MaxImages {
			return images
		}
		images = append(images, img)
	}
	if st.Ticket != nil {
		for _, url := range st.Ticket.Images {
			if len(images) >= n.cfg.MaxImages {
				break
			}
			images = append(images, types.ImageContent{Type: "url", URL: url})
		}
	}
	return images
}
