package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bytecare/supportflow/config"
	"github.com/bytecare/supportflow/internal/database"
	"github.com/bytecare/supportflow/internal/metrics"
	"github.com/bytecare/supportflow/llm"
	"github.com/bytecare/supportflow/llm/embedding"
	"github.com/bytecare/supportflow/notify"
	"github.com/bytecare/supportflow/rag"
	"github.com/bytecare/supportflow/store"
	"github.com/bytecare/supportflow/workflow"
	"github.com/bytecare/supportflow/workflow/nodes"
)

// Server 组装并承载全部组件：存储、检索管线、工作流缓存与运行时驱动。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	pool   *database.Pool
	rdb    *redis.Client
	cache  *workflow.Cache
	driver *workflow.Driver

	httpServer *http.Server
	refreshCh  chan struct{}
}

// NewServer 按配置装配依赖图。
func NewServer(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*Server, error) {
	pool, err := database.NewPool(db, database.PoolConfig{
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init database pool: %w", err)
	}

	gormStore, err := store.NewGormStore(db, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
		RPS:     cfg.LLM.RPS,
	}, logger)

	embedder, err := embedding.NewOpenAIEmbedder(embedding.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		MaxTokens:  cfg.Embedding.MaxTokens,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	vectorStore, err := rag.NewVectorStore(rag.StoreConfig{
		Backend: rag.Backend(cfg.VectorStore.Backend),
		HTTP: rag.HTTPStoreConfig{
			BaseURL: cfg.VectorStore.RemoteBaseURL,
			Timeout: cfg.VectorStore.RemoteTimeout,
		},
	}, db, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("init vector store: %w", err)
	}

	retrieverCfg := rag.DefaultRetrieverConfig()
	retrieverCfg.BaseK = cfg.Retrieval.BaseK
	retrieverCfg.BranchTimeout = cfg.Retrieval.BranchTimeout
	retriever := rag.NewRetriever(vectorStore, retrieverCfg, logger)

	var notifier nodes.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.Notify.WebhookURL,
			Timeout: cfg.Notify.Timeout,
		}, logger)
	}

	engineMetrics := metrics.NewEngine(prometheus.DefaultRegisterer)

	registry := nodes.NewRegistry(nodes.Deps{
		Provider: provider,
		ProviderFactory: func(ov *workflow.LLMOverride) llm.Provider {
			return llm.NewOpenAIProvider(llm.OpenAIConfig{
				BaseURL: ov.BaseURL,
				APIKey:  ov.APIKey,
				Model:   ov.Model,
				Timeout: cfg.LLM.Timeout,
				RPS:     cfg.LLM.RPS,
			}, logger)
		},
		Retriever: retriever,
		Store:     gormStore,
		Notifier:  notifier,
		Metrics:   engineMetrics,
		Logger:    logger,
	})

	source := store.NewWorkflowSource(gormStore)
	cache := workflow.NewCache(source, registry, rdb, workflow.DefaultCacheConfig(), logger)
	driver := workflow.NewDriver(cache, source, workflow.DriverConfig{
		MaxRetries: cfg.Workflow.MaxRetries,
	}, engineMetrics, logger)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		rdb:       rdb,
		cache:     cache,
		driver:    driver,
		refreshCh: make(chan struct{}, 1),
	}, nil
}

// Start 初始化缓存、挂载路由并启动 HTTP 监听。
func (s *Server) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cache.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize workflow cache: %w", err)
	}

	go s.refreshLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/respond", s.handleRespond)
	mux.HandleFunc("POST /v1/workflows/refresh", s.handleRefresh)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// WaitForShutdown 阻塞到收到终止信号，然后优雅关停。
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := s.pool.Close(); err != nil {
		s.logger.Warn("database pool close failed", zap.Error(err))
	}
}

// refreshLoop 周期 + 按需刷新工作流缓存。
func (s *Server) refreshLoop() {
	interval := s.cfg.Workflow.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.refreshCh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.cache.Refresh(ctx); err != nil {
			s.logger.Error("workflow cache refresh failed", zap.Error(err))
		}
		cancel()
	}
}

type respondRequest struct {
	TicketID string `json:"ticket_id"`
	Scope    string `json:"scope"`
}

type respondResponse struct {
	Response string `json:"response"`
	// Silent 为真表示本轮无自动回复，聊天通道应静默
	Silent bool `json:"silent"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TicketID == "" {
		http.Error(w, `{"error":"ticket_id required"}`, http.StatusBadRequest)
		return
	}

	response, err := s.driver.Respond(r.Context(), req.TicketID, req.Scope)
	if err != nil {
		s.logger.Error("respond failed",
			zap.String("ticket", req.TicketID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, workflow.ErrScopeNotBound) || errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(respondResponse{
		Response: response,
		Silent:   response == "",
	})
}

// handleRefresh 失效旁路缓存并触发一次即时重建。
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.cache.Invalidate(r.Context())
	select {
	case s.refreshCh <- struct{}{}:
	default: // 已有待处理的刷新
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
