package decision_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/app/store/memstore"
	"github.com/quka-ai/conhub/pkg/decision"
	"github.com/quka-ai/conhub/pkg/embedding"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/extractor"
	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/types"
)

const tenant = "tenant-1"

type fixture struct {
	p      *memstore.Provider
	graph  *graph.Graph
	embed  *embedding.Service
	hello  *types.Chunk
	readme *types.Chunk
}

func newChunk(path, content string, block types.BlockType, lang string, meta types.Metadata) *types.Chunk {
	itemID := types.SourceItemID("src-1", path)
	m := types.Metadata{
		types.META_PATH:       path,
		types.META_REPOSITORY: "demo",
		types.META_CONNECTOR:  string(types.CONNECTOR_LOCAL_FS),
	}.Merge(meta)
	return &types.Chunk{
		ChunkID:      types.ChunkID(itemID, 0),
		TenantID:     tenant,
		SourceID:     "src-1",
		SourceItemID: itemID,
		Content:      content,
		ContentHash:  types.ContentHash(content),
		BlockType:    block,
		Language:     lang,
		Metadata:     m,
	}
}

func (f *fixture) index(t *testing.T, chunks ...*types.Chunk) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.p.ChunkStore().UpsertMany(ctx, chunks))

	res, err := f.embed.Embed(ctx, types.ContentProfile{}, lo.Map(chunks, func(c *types.Chunk, _ int) string { return c.Content }))
	require.NoError(t, err)
	records := make([]*types.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = &types.VectorRecord{ChunkID: c.ChunkID, Embedding: res.Vectors[i], Payload: types.PayloadForChunk(c, res.ModelSet)}
	}
	require.NoError(t, f.p.VectorStore().Upsert(ctx, records))
	require.NoError(t, f.graph.Write(ctx, tenant, extractor.New().ExtractAll(chunks)))
}

func setup(t *testing.T) *fixture {
	f := &fixture{
		p:     memstore.New(),
		embed: embedding.NewService(embedding.DefaultConfig(), embedding.DefaultProfiles(embedding.HashProviderName, "local"), embedding.WithProvider(embedding.NewHashProvider(128))),
	}
	f.graph = graph.New(store.NewGraphBackend(f.p))
	f.hello = newChunk("hello.py", "def greet(name): return f\"hi {name}\"\n", types.BLOCK_CODE, "python",
		types.Metadata{types.META_AUTHOR: "alice"})
	f.readme = newChunk("README.md", "The `greet` function says hi to a caller.", types.BLOCK_TEXT, "",
		types.Metadata{types.META_TITLE: "README.md"})
	f.index(t, f.hello, f.readme)
	return f
}

func (f *fixture) engine(opts ...decision.Option) *decision.Engine {
	return decision.New(decision.Config{}, f.embed, f.p.VectorStore(), f.graph, f.p.ChunkStore(), opts...)
}

func byKind(resp *types.ContextResponse, kind types.ProvenanceKind) []types.ContextBlock {
	return lo.Filter(resp.Blocks, func(b types.ContextBlock, _ int) bool { return b.Provenance.Kind == kind })
}

func TestWhoWroteGreetUsesGraph(t *testing.T) {
	f := setup(t)
	resp, err := f.engine().Query(context.Background(), types.ContextQuery{
		TenantID: tenant, Query: "who wrote the greet function", Strategy: types.STRATEGY_AUTO, TopK: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, types.STRATEGY_GRAPH, resp.StrategyUsed)
	require.NotEmpty(t, resp.Blocks)

	block, ok := lo.Find(resp.Blocks, func(b types.ContextBlock) bool { return b.ChunkID == f.hello.ChunkID })
	require.True(t, ok)
	assert.Equal(t, types.PROVENANCE_GRAPH, block.Provenance.Kind)
	assert.Contains(t, block.Provenance.RelationshipTypes, types.REL_AUTHORED_BY)
	assert.Contains(t, block.Provenance.Path, "greet")
	assert.Equal(t, f.hello.Content, block.Content)
	assert.Equal(t, types.CONNECTOR_LOCAL_FS, block.Source.ConnectorKind)
	assert.Equal(t, resp.Total, len(resp.Blocks))
}

func TestExplainGreetUsesHybrid(t *testing.T) {
	f := setup(t)
	resp, err := f.engine().Query(context.Background(), types.ContextQuery{
		TenantID: tenant, Query: "explain the greet function", Strategy: types.STRATEGY_AUTO, TopK: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, types.STRATEGY_HYBRID, resp.StrategyUsed)
	assert.False(t, resp.Partial)
	assert.LessOrEqual(t, resp.Total, 2)

	vec := byKind(resp, types.PROVENANCE_VECTOR)
	gr := byKind(resp, types.PROVENANCE_GRAPH)
	require.NotEmpty(t, vec)
	require.NotEmpty(t, gr)
	assert.Equal(t, "local", vec[0].Provenance.EmbeddingModelSet)
	assert.Greater(t, vec[0].Provenance.Similarity, 0.0)
	assert.NotEmpty(t, gr[0].Provenance.Path)
	assert.Greater(t, gr[0].Provenance.Distance, 0)
}

func TestVectorQueryAndTenantIsolation(t *testing.T) {
	f := setup(t)
	e := f.engine()
	resp, err := e.Query(context.Background(), types.ContextQuery{TenantID: tenant, Query: "greet", Strategy: types.STRATEGY_VECTOR, TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, types.STRATEGY_VECTOR, resp.StrategyUsed)
	require.Len(t, resp.Blocks, 2)
	assert.GreaterOrEqual(t, resp.Blocks[0].Score, resp.Blocks[1].Score)
	for _, b := range resp.Blocks {
		assert.Equal(t, types.PROVENANCE_VECTOR, b.Provenance.Kind)
	}

	other, err := e.Query(context.Background(), types.ContextQuery{TenantID: "tenant-2", Query: "greet", Strategy: types.STRATEGY_VECTOR})
	require.NoError(t, err)
	assert.Empty(t, other.Blocks)
	assert.Equal(t, 0, other.Total)
}

func TestFiltersApplyToGraphResults(t *testing.T) {
	f := setup(t)
	resp, err := f.engine().Query(context.Background(), types.ContextQuery{
		TenantID: tenant, Query: "who wrote greet", Strategy: types.STRATEGY_GRAPH, TopK: 5,
		Filters: types.QueryFilters{BlockTypes: []types.BlockType{types.BLOCK_TEXT}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Blocks)
	for _, b := range resp.Blocks {
		assert.Equal(t, types.BLOCK_TEXT, b.Source.BlockType)
	}
}

func TestMissingChunkIsDropped(t *testing.T) {
	f := setup(t)
	_, err := f.p.ChunkStore().DeleteBySourceItem(context.Background(), tenant, f.readme.SourceItemID)
	require.NoError(t, err)

	resp, err := f.engine().Query(context.Background(), types.ContextQuery{TenantID: tenant, Query: "greet", Strategy: types.STRATEGY_VECTOR})
	require.NoError(t, err)
	require.Len(t, resp.Blocks, 1)
	assert.Equal(t, f.hello.ChunkID, resp.Blocks[0].ChunkID)
}

func TestRobotMemoryIsPartitioned(t *testing.T) {
	f := setup(t)
	memo := newChunk("memory/r1.md", "Robot r1 remembers that greet must stay polite.", types.BLOCK_TEXT, "",
		types.Metadata{types.META_ROBOT_ID: "r1"})
	f.index(t, memo)

	e := f.engine()
	resp, err := e.QueryRobotMemory(context.Background(), "r1", types.ContextQuery{TenantID: tenant, Query: "greet", Strategy: types.STRATEGY_VECTOR})
	require.NoError(t, err)
	require.Len(t, resp.Blocks, 1)
	assert.Equal(t, memo.ChunkID, resp.Blocks[0].ChunkID)

	_, err = e.QueryRobotMemory(context.Background(), "", types.ContextQuery{TenantID: tenant, Query: "greet"})
	assert.True(t, errors.Is(err, errors.KindInvalid))
}

func TestInvalidQueries(t *testing.T) {
	e := setup(t).engine()
	for name, q := range map[string]types.ContextQuery{
		"no tenant":    {Query: "greet"},
		"empty query":  {TenantID: tenant, Query: "   "},
		"bad strategy": {TenantID: tenant, Query: "greet", Strategy: "magic"},
	} {
		_, err := e.Query(context.Background(), q)
		assert.True(t, errors.Is(err, errors.KindInvalid), name)
	}
}

type memCache struct {
	mu      sync.Mutex
	gen     map[string]int64
	entries map[string]types.ContextResponse
}

func newMemCache() *memCache {
	return &memCache{gen: map[string]int64{}, entries: map[string]types.ContextResponse{}}
}

func (c *memCache) key(tenantID string, gen int64, fp string) string {
	return fmt.Sprintf("%s:%d:%s", tenantID, gen, fp)
}

func (c *memCache) Generation(ctx context.Context, tenantID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[tenantID]
}

func (c *memCache) GetQueryResult(ctx context.Context, tenantID, fp string) (*types.ContextResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.entries[c.key(tenantID, c.gen[tenantID], fp)]
	if !ok {
		return nil, false
	}
	return &resp, true
}

func (c *memCache) SetQueryResult(ctx context.Context, tenantID string, gen int64, fp string, resp *types.ContextResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(tenantID, gen, fp)] = *resp
}

func (c *memCache) invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[tenantID]++
}

func TestQueryCacheAndInvalidation(t *testing.T) {
	f := setup(t)
	cache := newMemCache()
	e := f.engine(decision.WithCache(cache))
	q := types.ContextQuery{TenantID: tenant, Query: "greet", Strategy: types.STRATEGY_VECTOR, TopK: 5}

	first, err := e.Query(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := e.Query(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Blocks, second.Blocks)

	// new content plus invalidation must be visible on the next query
	f.index(t, newChunk("greet.md", "greet greet greet", types.BLOCK_TEXT, "", nil))
	cache.invalidate(tenant)

	third, err := e.Query(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Len(t, third.Blocks, 3)
}

// slowGraph blocks expansion until the phase deadline passes.
type slowGraph struct {
	*graph.Graph
}

func (g slowGraph) Expand(ctx context.Context, tenantID string, seeds []string, hops int, rels []types.RelType, maxNodes int) ([]*types.GraphHit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type slowEmbedder struct{}

func (slowEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, string, error) {
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func TestDeadlineAfterVectorPhaseIsPartial(t *testing.T) {
	f := setup(t)
	cache := newMemCache()
	e := decision.New(decision.Config{}, f.embed, f.p.VectorStore(), slowGraph{f.graph}, f.p.ChunkStore(), decision.WithCache(cache))

	resp, err := e.Query(context.Background(), types.ContextQuery{
		TenantID: tenant, Query: "explain greet", Strategy: types.STRATEGY_HYBRID, TopK: 4, Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	require.NotEmpty(t, resp.Blocks)
	assert.Empty(t, byKind(resp, types.PROVENANCE_GRAPH))
	assert.Empty(t, cache.entries, "partial answers are not cached")
}

func TestDeadlineBeforeVectorPhaseFails(t *testing.T) {
	f := setup(t)
	e := decision.New(decision.Config{}, slowEmbedder{}, f.p.VectorStore(), f.graph, f.p.ChunkStore())

	_, err := e.Query(context.Background(), types.ContextQuery{
		TenantID: tenant, Query: "greet", Strategy: types.STRATEGY_VECTOR, Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindBudget, errors.KindOf(err))
}
