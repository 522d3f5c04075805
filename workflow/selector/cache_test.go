package selector

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/internal/cache"
	"github.com/BaSui01/botflow/workflow"
)

type countingSource struct {
	next  DefinitionSource
	calls int
}

func (c *countingSource) ListDefinitions(ctx context.Context, f workflow.DefinitionFilter) ([]*workflow.FlowDefinition, error) {
	c.calls++
	return c.next.ListDefinitions(ctx, f)
}

func newCache(t *testing.T) (*miniredis.Miniredis, *cache.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func TestCachedSource_ServesRepeatedLookups(t *testing.T) {
	mr, m := newCache(t)
	src := &countingSource{next: seed(t,
		defSpec{id: "a", active: true, priority: 1},
		defSpec{id: "b", active: true, priority: 7, age: 1},
	)}
	cached := NewCachedSource(src, m, 10*time.Second, "test:", nil)
	sel := New(cached, zap.NewNop())
	crit := Criteria{TriggerType: workflow.TriggerTypeMessage, Strategy: StrategyHighestPriority}

	for i := 0; i < 3; i++ {
		got, err := sel.SelectFlows(context.Background(), crit)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(got))
	}
	assert.Equal(t, 1, src.calls)

	mr.FastForward(11 * time.Second)
	_, err := sel.SelectFlows(context.Background(), crit)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCachedSource_FallsThroughWhenCacheDown(t *testing.T) {
	_, m := newCache(t)
	src := &countingSource{next: seed(t, defSpec{id: "a", active: true})}
	cached := NewCachedSource(src, m, time.Second, "", nil)
	require.NoError(t, m.Close())

	got, err := cached.ListDefinitions(context.Background(), workflow.DefinitionFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))
	assert.Equal(t, 1, src.calls)
}

func TestCachedSource_KeysDifferByFilter(t *testing.T) {
	_, m := newCache(t)
	src := &countingSource{next: seed(t,
		defSpec{id: "msg", active: true},
		defSpec{id: "hook", active: true, trigger: workflow.TriggerTypeWebhook, age: 1},
	)}
	cached := NewCachedSource(src, m, time.Minute, "", nil)
	ctx := context.Background()

	msgs, err := cached.ListDefinitions(ctx, workflow.DefinitionFilter{TriggerType: workflow.TriggerTypeMessage})
	require.NoError(t, err)
	hooks, err := cached.ListDefinitions(ctx, workflow.DefinitionFilter{TriggerType: workflow.TriggerTypeWebhook})
	require.NoError(t, err)

	assert.Equal(t, []string{"msg"}, ids(msgs))
	assert.Equal(t, []string{"hook"}, ids(hooks))
	assert.Equal(t, 2, src.calls)
}
