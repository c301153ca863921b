package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bytecare/supportflow/internal/metrics"
	"github.com/bytecare/supportflow/types"
)

// ConversationSource 运行时装配状态所需的窄查询面（由关系库适配）。
type ConversationSource interface {
	// GetTicket 按 id 查询工单摘要
	GetTicket(ctx context.Context, ticketID string) (*types.Ticket, error)
	// History 按创建时间升序返回会话历史（已映射为 LLM 角色）
	History(ctx context.Context, ticketID string) ([]types.Message, error)
}

// DriverConfig 运行时驱动器配置
type DriverConfig struct {
	// MaxRetries 终端响应为空串时的重试次数（抛错不触发重试，吞掉记日志后继续下一轮）
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBackoff 重试间隔
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// DefaultDriverConfig 返回默认驱动配置。
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{MaxRetries: 3, RetryBackoff: 200 * time.Millisecond}
}

// Driver 运行时驱动器：按 scope 选择编译工作流，从持久化历史装配状态，
// 执行编译图并对空响应做有界重试。无长驻会话 actor，状态每次调用重建。
type Driver struct {
	cache   *Cache
	source  ConversationSource
	cfg     DriverConfig
	metrics *metrics.Engine
	logger  *zap.Logger
}

// NewDriver creates the runtime driver. metrics may be nil.
func NewDriver(cache *Cache, source ConversationSource, cfg DriverConfig, m *metrics.Engine, logger *zap.Logger) *Driver {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Driver{
		cache:   cache,
		source:  source,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "workflow_driver")),
	}
}

// Respond 处理一轮会话：返回最终文本响应，空串表示本轮无自动回复
// （上层聊天通道应静默处理，而非报错）。
func (d *Driver) Respond(ctx context.Context, ticketID, scope string) (string, error) {
	binding, compiled, err := d.cache.ResolveScope(scope)
	if err != nil {
		return "", err
	}

	ticket, err := d.source.GetTicket(ctx, ticketID)
	if err != nil {
		return "", err
	}
	history, err := d.source.History(ctx, ticketID)
	if err != nil {
		return "", err
	}

	log := d.logger.With(
		zap.String("ticket", ticketID),
		zap.String("workflow", compiled.ID),
		zap.String("ai_user", binding.AIUserID))

	start := time.Now()
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.cfg.RetryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		st := NewState(ticket, history)
		st.Variables["aiUserId"] = binding.AIUserID

		response := d.runOnce(ctx, compiled, st, log)
		if response != "" {
			if d.metrics != nil {
				d.metrics.ObserveWorkflowRun(compiled.ID, "ok", time.Since(start))
			}
			return response, nil
		}
		log.Warn("workflow produced empty response", zap.Int("attempt", attempt+1))
	}

	if d.metrics != nil {
		d.metrics.ObserveWorkflowRun(compiled.ID, "empty", time.Since(start))
	}
	// 重试耗尽：空串交给上层解释为"本轮无自动回复"
	return "", nil
}

// runOnce 执行一次完整推进，panic 恢复为空响应（进入重试循环而非击穿调用方）。
func (d *Driver) runOnce(ctx context.Context, compiled *Compiled, st *State, log *zap.Logger) (response string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("workflow run panicked", zap.Any("panic", r))
			response = ""
		}
	}()
	return compiled.Run(ctx, st)
}
