package selector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/workflow"
)

// JSONCache is the subset of a key/value cache the definition cache needs.
// internal/cache.Manager satisfies it.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachedSource 在 DefinitionSource 前加一层短 TTL 缓存。
// 定义更新后最多 ttl 时间内可能读到旧列表。
type CachedSource struct {
	next   DefinitionSource
	cache  JSONCache
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewCachedSource wraps next. Keys are namespaced by prefix.
func NewCachedSource(next DefinitionSource, cache JSONCache, ttl time.Duration, prefix string, logger *zap.Logger) *CachedSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedSource{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.With(zap.String("component", "definition_cache")),
	}
}

// ListDefinitions serves from the cache when possible. Cache failures fall
// through to the underlying source.
func (c *CachedSource) ListDefinitions(ctx context.Context, filter workflow.DefinitionFilter) ([]*workflow.FlowDefinition, error) {
	key := c.key(filter)

	var cached []*workflow.FlowDefinition
	err := c.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	c.logger.Debug("definition cache miss", zap.String("key", key), zap.Error(err))

	defs, err := c.next.ListDefinitions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if defs == nil {
		defs = []*workflow.FlowDefinition{}
	}
	if err := c.cache.SetJSON(ctx, key, defs, c.ttl); err != nil {
		c.logger.Warn("definition cache write failed", zap.String("key", key), zap.Error(err))
	}
	return defs, nil
}

func (c *CachedSource) key(f workflow.DefinitionFilter) string {
	active := "*"
	if f.IsActive != nil {
		active = fmt.Sprint(*f.IsActive)
	}
	return fmt.Sprintf("%sdefs:%s:%s:%s:%s:%d:%d",
		c.prefix, f.TriggerType, active, strings.Join(f.IDs, ","), f.Name, f.Limit, f.Offset)
}
