package llm

import "context"

// Provider 定义统一的 LLM 适配接口。
// 生成节点使用自由文本输出，分类节点通过 ChatRequest.ResponseSchema 约束输出结构。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// HealthCheck 执行轻量级健康检查，返回延迟与可用性信息
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}
