package nodes

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/store"
	"github.com/bytecare/supportflow/types"
	"github.com/bytecare/supportflow/workflow"
)

const (
	defaultHandoffMessage = "已为您申请人工客服，客服同学会尽快接入，请稍候。"
	// testTicketPrefix 工作流编排/调试用的临时工单，不落任何副作用
	testTicketPrefix = "test-"
	notifyTimeout    = 10 * time.Second
)

// handoffNode 转人工节点。幂等协议：先读后写——记录不存在则创建并派发通知；
// 已存在且 notificationSent 为真则抑制重复通知；ticket_id 唯一索引兜底并发竞态。
// 持久化失败只记日志，话术照常返回（用户可见连续性优先于内部一致性）。
type handoffNode struct {
	cfg    workflow.HandoffConfig
	reg    *Registry
	logger *zap.Logger
}

func newHandoffNode(node workflow.Node, reg *Registry) (*handoffNode, error) {
	var cfg workflow.HandoffConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.MessageTemplate == "" {
		cfg.MessageTemplate = defaultHandoffMessage
	}
	return &handoffNode{
		cfg:    cfg,
		reg:    reg,
		logger: reg.deps.Logger.With(zap.String("node", node.ID), zap.String("kind", "handoff")),
	}, nil
}

func (n *handoffNode) Kind() workflow.NodeKind { return workflow.KindHandoff }

func (n *handoffNode) Execute(ctx context.Context, st *workflow.State) (*workflow.Update, error) {
	message := workflow.RenderTemplate(n.cfg.MessageTemplate, st.Bag())
	upd := &workflow.Update{
		Response:  workflow.StringPtr(message),
		Variables: map[string]any{"handoffCompleted": true},
	}

	ticket := st.Ticket
	if ticket == nil || strings.HasPrefix(ticket.ID, testTicketPrefix) {
		// 测试工单没有生产侧对应物，不持久化转人工记录
		n.logger.Info("test ticket, handoff completes without persistence")
		return upd, nil
	}

	if err := n.persistHandoff(ctx, st, ticket); err != nil {
		n.reg.nodeFailure(workflow.KindHandoff)
		n.logger.Error("handoff persistence degraded, message still returned", zap.Error(err))
	}
	return upd, nil
}

func (n *handoffNode) persistHandoff(ctx context.Context, st *workflow.State, ticket *types.Ticket) error {
	existing, err := n.reg.deps.Store.GetHandoff(ctx, ticket.ID)
	switch {
	case err == nil:
		if existing.NotificationSent {
			n.logger.Info("handoff record exists and notification already sent, suppressing")
		} else {
			// 记录在、通知未发：保持 pending，由首次创建方的派发路径负责
			n.logger.Info("handoff record exists, notification still pending")
		}
	case errors.Is(err, store.ErrNotFound):
		rec := n.buildRecord(st, ticket)
		created, err := n.reg.deps.Store.CreateHandoff(ctx, rec)
		if err != nil {
			return err
		}
		if created {
			if n.reg.deps.Metrics != nil {
				n.reg.deps.Metrics.HandoffCreated()
			}
			n.dispatchNotification(ctx, rec)
		} else {
			// 唯一索引吞掉了并发的重复插入
			n.logger.Info("concurrent handoff insert detected, record already present")
		}
	default:
		return err
	}

	// 工单状态只在未处于等待人工时推进
	if ticket.Status != types.TicketStatusPendingHuman {
		if err := n.reg.deps.Store.UpdateTicketStatus(ctx, ticket.ID, types.TicketStatusPendingHuman); err != nil {
			return err
		}
	}
	return nil
}

func (n *handoffNode) buildRecord(st *workflow.State, ticket *types.Ticket) *store.HandoffRecordRow {
	priority := st.Priority
	if !types.ValidPriority(priority) {
		priority = types.PriorityP2
	}
	reason := st.HandoffReason
	if reason == "" && st.ProposeEscalation {
		reason = st.EscalationReason
	}
	return &store.HandoffRecordRow{
		TicketID:        ticket.ID,
		HandoffReason:   reason,
		Priority:        string(priority),
		Sentiment:       string(st.Sentiment),
		CustomerID:      ticket.CustomerID,
		AssignedAgentID: n.cfg.AssignedAgentID,
		UserQuery:       st.UserQuery,
	}
}

// dispatchNotification 派发通知，fire-and-forget：绝不阻塞响应路径。
// 成功后标记 notificationSent，失败保持 pending 供人工排查。
func (n *handoffNode) dispatchNotification(ctx context.Context, rec *store.HandoffRecordRow) {
	if n.reg.deps.Notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	go func() {
		defer cancel()
		if err := n.reg.deps.Notifier.NotifyHandoff(notifyCtx, rec); err != nil {
			n.logger.Warn("handoff notification failed, left pending",
				zap.String("ticket", rec.TicketID), zap.Error(err))
			return
		}
		if err := n.reg.deps.Store.MarkNotificationSent(notifyCtx, rec.TicketID); err != nil {
			n.logger.Warn("mark notification sent failed", zap.Error(err))
		}
	}()
}
