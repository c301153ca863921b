// Package embedding 提供文本向量化能力。
// 向量存储在入库与查询时都通过同一个 Embedder，保证向量空间一致。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Embedder 嵌入提供者接口
type Embedder interface {
	// Embed 将文本向量化，输入超过长度上限时先截断
	Embed(ctx context.Context, text string) ([]float64, error)

	// Dimensions 返回向量维度
	Dimensions() int
}

// Config OpenAI 兼容嵌入服务配置
type Config struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	Model      string        `yaml:"model" json:"model"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	// MaxTokens 输入 token 上限，超出部分截断后再嵌入
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
}

// OpenAIEmbedder OpenAI 兼容协议的嵌入提供者
type OpenAIEmbedder struct {
	cfg     Config
	client  *http.Client
	encoder *tiktoken.Tiktoken
	logger  *zap.Logger
}

// NewOpenAIEmbedder creates a new OpenAI-compatible embedder.
func NewOpenAIEmbedder(cfg Config, logger *zap.Logger) (*OpenAIEmbedder, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8000
	}

	// cl100k_base 覆盖主流 embedding 模型的分词
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("init tokenizer: %w", err)
	}

	return &OpenAIEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		encoder: encoder,
		logger:  logger.With(zap.String("component", "embedder")),
	}, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.cfg.Dimensions }

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed 将文本向量化。
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	text = e.truncate(text)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty embedding input")
	}

	payload, err := json.Marshal(embeddingRequest{Model: e.cfg.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/embeddings", strings.TrimRight(e.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unparseable embedding response: status=%d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status=%d", resp.StatusCode)
		if parsed.Error != nil {
			msg += " msg=" + parsed.Error.Message
		}
		return nil, fmt.Errorf("embedding failed: %s", msg)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding response has no data")
	}

	vec := parsed.Data[0].Embedding
	if e.cfg.Dimensions > 0 && len(vec) != e.cfg.Dimensions {
		e.logger.Warn("embedding dimension mismatch",
			zap.Int("expected", e.cfg.Dimensions),
			zap.Int("got", len(vec)))
	}
	return vec, nil
}

// truncate 按 token 数截断输入，避免超过模型上下文上限。
func (e *OpenAIEmbedder) truncate(text string) string {
	tokens := e.encoder.Encode(text, nil, nil)
	if len(tokens) <= e.cfg.MaxTokens {
		return text
	}
	return e.encoder.Decode(tokens[:e.cfg.MaxTokens])
}
