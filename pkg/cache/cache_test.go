package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/testutils"
	"github.com/quka-ai/conhub/pkg/types"
)

func TestVectorRoundTripEncoding(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3.125}
	got, ok := decodeVector(encodeVector(v))
	require.True(t, ok)
	assert.Equal(t, v, got)

	_, ok = decodeVector([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestTierWithoutRedisKeepsL1(t *testing.T) {
	tier := New(nil, Config{L1Capacity: 10})
	ctx := context.Background()

	_, ok := tier.GetVector(ctx, "chunk:abc:default")
	assert.False(t, ok)
	tier.SetVector(ctx, "chunk:abc:default", []float32{1, 2})
	v, ok := tier.GetVector(ctx, "chunk:abc:default")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)

	_, ok = tier.GetQueryResult(ctx, "t1", "fp")
	assert.False(t, ok)
	assert.NoError(t, tier.InvalidateTenant(ctx, "t1"))
	assert.Equal(t, int64(0), tier.Generation(ctx, "t1"))
}

func TestTierL1Capacity(t *testing.T) {
	tier := New(nil, Config{L1Capacity: 10})
	for i := 0; i < 25; i++ {
		tier.SetVector(context.Background(), string(rune('a'+i)), []float32{float32(i)})
	}
	assert.LessOrEqual(t, tier.l1.Count(), 10)
}

func TestTierDegradesWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	tier := New(client, DefaultConfig())
	ctx := context.Background()

	_, ok := tier.GetQueryResult(ctx, "t1", "fp")
	assert.False(t, ok)

	tier.SetVector(ctx, "chunk:h:p", []float32{1})
	got, ok := tier.GetVector(ctx, "chunk:h:p")
	assert.True(t, ok, "l1 still serves vectors")
	assert.Equal(t, []float32{1}, got)
}

func newRedisTier(t *testing.T) *Tier {
	addr := testutils.RequireEnv(t, testutils.ENV_REDIS_ADDR)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return New(client, DefaultConfig())
}

func TestQueryCacheGenerations(t *testing.T) {
	tier := newRedisTier(t)
	ctx := context.Background()
	tenant := "cache-test-" + time.Now().Format("150405.000000")

	gen := tier.Generation(ctx, tenant)
	resp := &types.ContextResponse{StrategyUsed: types.STRATEGY_VECTOR, Total: 1}
	tier.SetQueryResult(ctx, tenant, gen, "fp", resp)

	got, ok := tier.GetQueryResult(ctx, tenant, "fp")
	require.True(t, ok)
	assert.Equal(t, resp.StrategyUsed, got.StrategyUsed)

	require.NoError(t, tier.InvalidateTenant(ctx, tenant))
	_, ok = tier.GetQueryResult(ctx, tenant, "fp")
	assert.False(t, ok, "invalidation hides older entries")

	tier.SetQueryResult(ctx, tenant, gen, "fp", resp)
	_, ok = tier.GetQueryResult(ctx, tenant, "fp")
	assert.False(t, ok, "results computed before invalidation are never served")
}

func TestConnectorCache(t *testing.T) {
	tier := newRedisTier(t)
	ctx := context.Background()

	tier.SetConnector(ctx, "github", []byte("blob"), "owner/repo", "sha1")
	raw, ok := tier.GetConnector(ctx, "github", "owner/repo", "sha1")
	require.True(t, ok)
	assert.Equal(t, "blob", string(raw))
}
