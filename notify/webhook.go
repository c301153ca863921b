// Package notify 实现转人工事件的出站通知。
// 当前唯一通道是通用 webhook（飞书/企微自定义机器人均兼容该形式）。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/store"
)

// WebhookConfig webhook 通知配置
type WebhookConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// WebhookNotifier 把转人工记录 POST 到配置的 webhook 地址。
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a webhook-based handoff notifier.
func NewWebhookNotifier(cfg WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "notifier")),
	}
}

type handoffEvent struct {
	Event     string `json:"event"`
	TicketID  string `json:"ticket_id"`
	Reason    string `json:"reason"`
	Priority  string `json:"priority"`
	Sentiment string `json:"sentiment"`
	Customer  string `json:"customer_id"`
	Agent     string `json:"assigned_agent_id,omitempty"`
	Query     string `json:"user_query"`
}

// NotifyHandoff 发送一条转人工事件。非 2xx 视为失败，由调用方决定是否留 pending。
func (n *WebhookNotifier) NotifyHandoff(ctx context.Context, rec *store.HandoffRecordRow) error {
	body, err := json.Marshal(handoffEvent{
		Event:     "handoff.created",
		TicketID:  rec.TicketID,
		Reason:    rec.HandoffReason,
		Priority:  rec.Priority,
		Sentiment: rec.Sentiment,
		Customer:  rec.CustomerID,
		Agent:     rec.AssignedAgentID,
		Query:     rec.UserQuery,
	})
	if err != nil {
		return fmt.Errorf("marshal handoff event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info("handoff notification dispatched",
		zap.String("ticket", rec.TicketID), zap.String("priority", rec.Priority))
	return nil
}
