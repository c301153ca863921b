package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPStoreConfig 远程向量服务配置
type HTTPStoreConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPVectorStore 远程 HTTP 向量后端，镜像内嵌后端的方法契约。
// 嵌入在服务端完成，本端只传文本。
type HTTPVectorStore struct {
	cfg    HTTPStoreConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPVectorStore creates a remote vector store client.
func NewHTTPVectorStore(cfg HTTPStoreConfig, logger *zap.Logger) *HTTPVectorStore {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPVectorStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "vector_store"), zap.String("backend", "remote")),
	}
}

type upsertRequest struct {
	Docs []KBChunk `json:"docs"`
}

type searchRequest struct {
	Query   string         `json:"query"`
	K       int            `json:"k"`
	Filters *SearchFilters `json:"filters,omitempty"`
}

type searchResponse struct {
	Hits []SearchHit `json:"hits"`
}

type sourceRequest struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
}

type neighborsRequest struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	ChunkID    int    `json:"chunk_id"`
	Window     int    `json:"window"`
}

type neighborsResponse struct {
	Chunks []KBChunk `json:"chunks"`
}

type accessCountRequest struct {
	ChunkIDs []string `json:"chunk_ids"`
	Context  string   `json:"context"`
}

// Upsert 转发到远程 /upsert。
func (s *HTTPVectorStore) Upsert(ctx context.Context, chunks []KBChunk) error {
	return s.post(ctx, "/upsert", upsertRequest{Docs: chunks}, nil)
}

// Search 转发到远程 /search。
func (s *HTTPVectorStore) Search(ctx context.Context, query string, k int, filters *SearchFilters) ([]SearchHit, error) {
	var resp searchResponse
	if err := s.post(ctx, "/search", searchRequest{Query: query, K: k, Filters: filters}, &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// GetNeighbors 转发到远程 /getNeighbors。
func (s *HTTPVectorStore) GetNeighbors(ctx context.Context, sourceType, sourceID string, chunkID, window int) ([]KBChunk, error) {
	var resp neighborsResponse
	req := neighborsRequest{SourceType: sourceType, SourceID: sourceID, ChunkID: chunkID, Window: window}
	if err := s.post(ctx, "/getNeighbors", req, &resp); err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}

// DeleteBySource 转发到远程 /deleteBySource。
func (s *HTTPVectorStore) DeleteBySource(ctx context.Context, sourceType, sourceID string) error {
	return s.post(ctx, "/deleteBySource", sourceRequest{SourceType: sourceType, SourceID: sourceID}, nil)
}

// UpdateAccessCount 转发到远程 /updateAccessCount。
func (s *HTTPVectorStore) UpdateAccessCount(ctx context.Context, chunkKeys []string, accessContext string) error {
	return s.post(ctx, "/updateAccessCount", accessCountRequest{ChunkIDs: chunkKeys, Context: accessContext}, nil)
}

// Health 调用远程 GET /health。
func (s *HTTPVectorStore) Health(ctx context.Context) error {
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/health"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	s.setHeaders(httpReq)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector backend unhealthy: status=%d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPVectorStore) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	s.setHeaders(httpReq)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed: status=%d body=%s", path, resp.StatusCode, truncateBody(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("unparseable %s response: %w", path, err)
		}
	}
	return nil
}

func (s *HTTPVectorStore) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
}

func truncateBody(raw []byte) string {
	const limit = 256
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
