package rag

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bytecare/supportflow/llm/embedding"
)

// Backend 向量后端类型
type Backend string

const (
	BackendEmbedded Backend = "embedded" // 内嵌关系库
	BackendRemote   Backend = "remote"   // 远程 HTTP 服务
)

// StoreConfig 向量存储总配置，由 Backend 选择实现。
type StoreConfig struct {
	Backend Backend         `yaml:"backend" json:"backend"`
	SQL     SQLStoreConfig  `yaml:"sql" json:"sql"`
	HTTP    HTTPStoreConfig `yaml:"http" json:"http"`
}

// NewVectorStore 按配置构造向量存储。两种后端满足同一契约，可互换。
func NewVectorStore(cfg StoreConfig, db *gorm.DB, embedder embedding.Embedder, logger *zap.Logger) (VectorStore, error) {
	switch cfg.Backend {
	case BackendEmbedded, "":
		if db == nil {
			return nil, fmt.Errorf("embedded vector store requires a database handle")
		}
		if embedder == nil {
			return nil, fmt.Errorf("embedded vector store requires an embedder")
		}
		return NewSQLVectorStore(db, embedder, cfg.SQL, logger)
	case BackendRemote:
		if cfg.HTTP.BaseURL == "" {
			return nil, fmt.Errorf("remote vector store requires base_url")
		}
		return NewHTTPVectorStore(cfg.HTTP, logger), nil
	default:
		return nil, fmt.Errorf("unknown vector store backend: %s", cfg.Backend)
	}
}
