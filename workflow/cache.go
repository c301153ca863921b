package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ScopeBinding 作用域路由：scope（工单模块）→ {AI 客服账号, 工作流}
type ScopeBinding struct {
	Scope      string `json:"scope"`
	AIUserID   string `json:"ai_user_id"`
	WorkflowID string `json:"workflow_id"`
	IsDefault  bool   `json:"is_default"`
}

// DefinitionSource 定义与路由的加载来源（通常由关系库适配）。
type DefinitionSource interface {
	LoadDefinitions(ctx context.Context) ([]Definition, error)
	LoadScopeBindings(ctx context.Context) ([]ScopeBinding, error)
}

// ErrScopeNotBound scope 无路由且无默认路由。
var ErrScopeNotBound = errors.New("workflow: scope not bound")

// ErrWorkflowNotCached 路由指向的工作流未入缓存（编译失败或定义缺失）。
var ErrWorkflowNotCached = errors.New("workflow: not cached")

// CacheConfig 缓存配置
type CacheConfig struct {
	// RedisKey 定义 JSON 的旁路缓存键，多实例刷新共享
	RedisKey string `yaml:"redis_key" json:"redis_key"`
	// RedisTTL 旁路缓存过期时间
	RedisTTL time.Duration `yaml:"redis_ttl" json:"redis_ttl"`
}

// DefaultCacheConfig 返回默认缓存配置。
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RedisKey: "supportflow:workflow:definitions",
		RedisTTL: 5 * time.Minute,
	}
}

// cacheSnapshot 不可变缓存快照。Refresh 整体重建后原子替换，
// 读方永远看到完整的新旧快照之一，不存在撕裂读。
type cacheSnapshot struct {
	byID           map[string]*Compiled
	byScope        map[string]ScopeBinding
	defaultBinding *ScopeBinding
}

// Cache 进程级编译工作流缓存，两级索引：workflow id → 编译图；scope → 路由。
// 读多写少，通过 Initialize / Refresh / Clear 生命周期管理，依赖注入传递。
type Cache struct {
	source  DefinitionSource
	factory HandlerFactory
	rdb     *redis.Client // 可选，nil 时直连加载源
	cfg     CacheConfig
	logger  *zap.Logger
	snap    atomic.Pointer[cacheSnapshot]
}

// NewCache creates the compiled-workflow cache. rdb may be nil.
func NewCache(source DefinitionSource, factory HandlerFactory, rdb *redis.Client, cfg CacheConfig, logger *zap.Logger) *Cache {
	if cfg.RedisKey == "" {
		cfg = DefaultCacheConfig()
	}
	c := &Cache{
		source:  source,
		factory: factory,
		rdb:     rdb,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "workflow_cache")),
	}
	c.snap.Store(&cacheSnapshot{
		byID:    make(map[string]*Compiled),
		byScope: make(map[string]ScopeBinding),
	})
	return c
}

// Initialize 首次构建缓存。
func (c *Cache) Initialize(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Refresh 整体重建并原子替换快照。编译失败的定义跳过（不入缓存）并记错误，
// 不影响其余工作流。
func (c *Cache) Refresh(ctx context.Context) error {
	defs, err := c.loadDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}
	bindings, err := c.source.LoadScopeBindings(ctx)
	if err != nil {
		return fmt.Errorf("load scope bindings: %w", err)
	}

	next := &cacheSnapshot{
		byID:    make(map[string]*Compiled, len(defs)),
		byScope: make(map[string]ScopeBinding, len(bindings)),
	}

	for i := range defs {
		compiled, err := Compile(&defs[i], c.factory, c.logger)
		if err != nil {
			// 结构性违例是编排者的问题，坏图绝不能进运行时缓存
			c.logger.Error("workflow failed to compile, excluded from cache",
				zap.String("workflow", defs[i].ID), zap.Error(err))
			continue
		}
		next.byID[compiled.ID] = compiled
	}

	for _, b := range bindings {
		next.byScope[b.Scope] = b
		if b.IsDefault {
			bCopy := b
			next.defaultBinding = &bCopy
		}
	}

	c.snap.Store(next)
	c.logger.Info("workflow cache refreshed",
		zap.Int("workflows", len(next.byID)),
		zap.Int("scopes", len(next.byScope)))
	return nil
}

// Clear 清空缓存（替换为空快照）。
func (c *Cache) Clear() {
	c.snap.Store(&cacheSnapshot{
		byID:    make(map[string]*Compiled),
		byScope: make(map[string]ScopeBinding),
	})
}

// Invalidate 删除旁路缓存键，下次 Refresh 强制回源。
func (c *Cache) Invalidate(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, c.cfg.RedisKey).Err(); err != nil {
		c.logger.Warn("invalidate definition cache failed", zap.Error(err))
	}
}

// GetByID 按工作流 id 取编译图。
func (c *Cache) GetByID(workflowID string) (*Compiled, bool) {
	compiled, ok := c.snap.Load().byID[workflowID]
	return compiled, ok
}

// ResolveScope 按 scope 解析路由与编译图；scope 未绑定时回退默认路由。
func (c *Cache) ResolveScope(scope string) (ScopeBinding, *Compiled, error) {
	snap := c.snap.Load()

	binding, ok := snap.byScope[scope]
	if !ok {
		if snap.defaultBinding == nil {
			return ScopeBinding{}, nil, fmt.Errorf("%w: %s", ErrScopeNotBound, scope)
		}
		binding = *snap.defaultBinding
	}

	compiled, ok := snap.byID[binding.WorkflowID]
	if !ok {
		return binding, nil, fmt.Errorf("%w: %s", ErrWorkflowNotCached, binding.WorkflowID)
	}
	return binding, compiled, nil
}

// loadDefinitions 经 redis 旁路加载定义：命中直接反序列化，
// 未命中回源并写回（失败只记日志，不影响刷新）。
func (c *Cache) loadDefinitions(ctx context.Context) ([]Definition, error) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, c.cfg.RedisKey).Bytes()
		if err == nil {
			var defs []Definition
			if err := json.Unmarshal(raw, &defs); err == nil {
				c.logger.Debug("definitions loaded from redis", zap.Int("count", len(defs)))
				return defs, nil
			}
			c.logger.Warn("cached definitions unparseable, falling back to source")
		} else if err != redis.Nil {
			c.logger.Warn("definition cache read failed, falling back to source", zap.Error(err))
		}
	}

	defs, err := c.source.LoadDefinitions(ctx)
	if err != nil {
		return nil, err
	}

	if c.rdb != nil {
		if raw, err := json.Marshal(defs); err == nil {
			if err := c.rdb.Set(ctx, c.cfg.RedisKey, raw, c.cfg.RedisTTL).Err(); err != nil {
				c.logger.Warn("definition cache write failed", zap.Error(err))
			}
		}
	}
	return defs, nil
}
