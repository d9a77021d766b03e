package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/quka-ai/conhub/pkg/metrics"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/types/protocol"
)

type Config struct {
	QueryTTL     time.Duration
	ConnectorTTL time.Duration
	VectorTTL    time.Duration
	L1Capacity   int
}

func DefaultConfig() Config {
	return Config{
		QueryTTL:     5 * time.Minute,
		ConnectorTTL: time.Hour,
		VectorTTL:    7 * 24 * time.Hour,
		L1Capacity:   50000,
	}
}

// Tier fronts Redis for the query:*, connector:* and chunk:* namespaces.
// Chunk vectors additionally live in an in-process map keyed by content
// fingerprint; stale entries are harmless because keys are content-addressed.
// Redis failures are logged and treated as misses. A nil client disables the
// Redis layer entirely.
type Tier struct {
	cfg    Config
	client redis.UniversalClient
	l1     cmap.ConcurrentMap[string, []float32]
	lookup *prometheus.CounterVec
}

func New(client redis.UniversalClient, cfg Config) *Tier {
	d := DefaultConfig()
	if cfg.QueryTTL <= 0 {
		cfg.QueryTTL = d.QueryTTL
	}
	if cfg.ConnectorTTL <= 0 {
		cfg.ConnectorTTL = d.ConnectorTTL
	}
	if cfg.VectorTTL <= 0 {
		cfg.VectorTTL = d.VectorTTL
	}
	if cfg.L1Capacity <= 0 {
		cfg.L1Capacity = d.L1Capacity
	}
	return &Tier{
		cfg:    cfg,
		client: client,
		l1:     cmap.New[[]float32](),
		lookup: metrics.NewCounterVec("cache_lookup_total", []string{"namespace", "result"}),
	}
}

func (t *Tier) observe(ns protocol.RedisCacheKeyDomainPrefix, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	t.lookup.WithLabelValues(string(ns), result).Inc()
}

func degrade(op, key string, err error) {
	if err == nil || stderrors.Is(err, redis.Nil) {
		return
	}
	slog.Warn("cache unavailable, treating as miss", slog.String("op", op), slog.String("key", key), slog.String("error", err.Error()))
}

// Generation is the tenant's current query-cache namespace.
func (t *Tier) Generation(ctx context.Context, tenantID string) int64 {
	if t.client == nil {
		return 0
	}
	key := protocol.GenQueryGenerationKey(tenantID)
	v, err := t.client.Get(ctx, key).Result()
	if err != nil {
		degrade("generation", key, err)
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// InvalidateTenant moves the tenant to a fresh query-cache namespace. Entries
// written under older generations are never read again and expire by TTL.
func (t *Tier) InvalidateTenant(ctx context.Context, tenantID string) error {
	if t.client == nil {
		return nil
	}
	key := protocol.GenQueryGenerationKey(tenantID)
	if err := t.client.Incr(ctx, key).Err(); err != nil {
		degrade("invalidate", key, err)
		return err
	}
	return nil
}

// GetQueryResult looks up a cached response. The generation is read first so
// a concurrent invalidation can only cause a miss.
func (t *Tier) GetQueryResult(ctx context.Context, tenantID, fingerprint string) (*types.ContextResponse, bool) {
	if t.client == nil {
		return nil, false
	}
	key := protocol.GenQueryCacheKey(tenantID, t.Generation(ctx, tenantID), fingerprint)
	raw, err := t.client.Get(ctx, key).Bytes()
	if err != nil {
		degrade("query.get", key, err)
		t.observe(protocol.RedisCacheKeyPrefixQuery, false)
		return nil, false
	}
	var resp types.ContextResponse
	if err = json.Unmarshal(raw, &resp); err != nil {
		slog.Warn("dropping undecodable query cache entry", slog.String("key", key), slog.String("error", err.Error()))
		t.observe(protocol.RedisCacheKeyPrefixQuery, false)
		return nil, false
	}
	t.observe(protocol.RedisCacheKeyPrefixQuery, true)
	return &resp, true
}

// SetQueryResult stores resp under the generation observed before the query
// ran, so results computed across an invalidation land in a dead namespace.
func (t *Tier) SetQueryResult(ctx context.Context, tenantID string, generation int64, fingerprint string, resp *types.ContextResponse) {
	if t.client == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	key := protocol.GenQueryCacheKey(tenantID, generation, fingerprint)
	if err = t.client.SetEx(ctx, key, raw, t.cfg.QueryTTL).Err(); err != nil {
		degrade("query.set", key, err)
	}
}

// GetConnector returns a memoized connector response.
func (t *Tier) GetConnector(ctx context.Context, kind string, fields ...string) ([]byte, bool) {
	if t.client == nil {
		return nil, false
	}
	key := protocol.GenConnectorCacheKey(kind, fields...)
	raw, err := t.client.Get(ctx, key).Bytes()
	if err != nil {
		degrade("connector.get", key, err)
		t.observe(protocol.RedisCacheKeyPrefixConnector, false)
		return nil, false
	}
	t.observe(protocol.RedisCacheKeyPrefixConnector, true)
	return raw, true
}

func (t *Tier) SetConnector(ctx context.Context, kind string, value []byte, fields ...string) {
	if t.client == nil {
		return
	}
	key := protocol.GenConnectorCacheKey(kind, fields...)
	if err := t.client.SetEx(ctx, key, value, t.cfg.ConnectorTTL).Err(); err != nil {
		degrade("connector.set", key, err)
	}
}

// GetVector implements embedding.VectorCache.
func (t *Tier) GetVector(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := t.l1.Get(key); ok {
		t.observe(protocol.RedisCacheKeyPrefixChunk, true)
		return v, true
	}
	if t.client == nil {
		t.observe(protocol.RedisCacheKeyPrefixChunk, false)
		return nil, false
	}
	raw, err := t.client.Get(ctx, key).Bytes()
	if err != nil {
		degrade("vector.get", key, err)
		t.observe(protocol.RedisCacheKeyPrefixChunk, false)
		return nil, false
	}
	v, ok := decodeVector(raw)
	if ok {
		t.putL1(key, v)
	}
	t.observe(protocol.RedisCacheKeyPrefixChunk, ok)
	return v, ok
}

func (t *Tier) SetVector(ctx context.Context, key string, vec []float32) {
	t.putL1(key, vec)
	if t.client == nil {
		return
	}
	if err := t.client.SetEx(ctx, key, encodeVector(vec), t.cfg.VectorTTL).Err(); err != nil {
		degrade("vector.set", key, err)
	}
}

// putL1 keeps the in-process map under capacity by dropping an arbitrary
// batch of entries when it overflows.
func (t *Tier) putL1(key string, vec []float32) {
	if t.l1.Count() >= t.cfg.L1Capacity {
		drop := t.cfg.L1Capacity / 10
		if drop == 0 {
			drop = 1
		}
		for _, k := range t.l1.Keys() {
			if drop == 0 {
				break
			}
			t.l1.Remove(k)
			drop--
		}
	}
	t.l1.Set(key, vec)
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, true
}
