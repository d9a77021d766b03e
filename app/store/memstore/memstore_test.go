package memstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

func chunk(tenant, item string, idx int, content string) *types.Chunk {
	return &types.Chunk{
		ChunkID:      types.ChunkID(item, idx),
		TenantID:     tenant,
		SourceID:     "src",
		SourceItemID: item,
		ChunkIndex:   idx,
		Content:      content,
		ContentHash:  types.ContentHash(content),
		BlockType:    types.BLOCK_TEXT,
	}
}

func TestVectorSearchIsTenantScopedAndDeterministic(t *testing.T) {
	p := New()
	ctx := context.Background()
	require.NoError(t, p.VectorStore().Upsert(ctx, []*types.VectorRecord{
		{ChunkID: "b", Embedding: []float32{1, 0}, Payload: types.VectorPayload{TenantID: "t1"}},
		{ChunkID: "a", Embedding: []float32{1, 0}, Payload: types.VectorPayload{TenantID: "t1"}},
		{ChunkID: "c", Embedding: []float32{-1, 0}, Payload: types.VectorPayload{TenantID: "t1"}},
		{ChunkID: "z", Embedding: []float32{1, 0}, Payload: types.VectorPayload{TenantID: "t2"}},
	}))

	hits, err := p.VectorStore().Search(ctx, []float32{1, 0}, 10, types.VectorFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{hits[0].ChunkID, hits[1].ChunkID, hits[2].ChunkID})
	assert.Equal(t, 0.0, hits[2].Score, "opposite vectors clamp to zero")

	_, err = p.VectorStore().Search(ctx, []float32{1, 0}, 10, types.VectorFilter{})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestChunkDeletionDropsEvidence(t *testing.T) {
	p := New()
	ctx := context.Background()
	c0, c1 := chunk("t1", "item", 0, "alpha"), chunk("t1", "item", 1, "beta")
	require.NoError(t, p.ChunkStore().UpsertMany(ctx, []*types.Chunk{c0, c1}))

	e := &types.Entity{TenantID: "t1", EntityType: types.ENTITY_PERSON, SourceKind: "slack", SourceIDInSource: "U1", Name: "Alice"}
	require.NoError(t, p.EntityStore().Upsert(ctx, e))
	require.NoError(t, p.EvidenceStore().AddEntityEvidence(ctx, []types.EntityEvidence{
		{ChunkID: c0.ChunkID, EntityID: e.ID, TenantID: "t1"},
		{ChunkID: c1.ChunkID, EntityID: e.ID, TenantID: "t1"},
	}))

	got, err := p.ChunkStore().FetchByEntityIDs(ctx, "t1", []string{e.ID}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	removed, err := p.ChunkStore().DeleteFromIndex(ctx, "t1", "item", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{c1.ChunkID}, removed)

	ev, err := p.EvidenceStore().ChunksForEntities(ctx, "t1", []string{e.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{c0.ChunkID}, ev[e.ID])

	_, err = p.ChunkStore().DeleteBySourceItem(ctx, "t1", "item")
	require.NoError(t, err)
	orphans, err := p.EntityStore().DeleteOrphans(ctx, time.Now().Add(-time.Minute).Unix())
	require.NoError(t, err)
	assert.Empty(t, orphans, "recently updated entities are spared")

	orphans, err = p.EntityStore().DeleteOrphans(ctx, time.Now().Unix())
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, orphans)
}

func TestEntityUpsertKeepsCanonical(t *testing.T) {
	p := New()
	ctx := context.Background()
	e := &types.Entity{TenantID: "t1", EntityType: types.ENTITY_FUNCTION, SourceKind: "github", SourceIDInSource: "repo:main.go:Run", Name: "Run"}
	require.NoError(t, p.EntityStore().Upsert(ctx, e))
	require.NoError(t, p.EntityStore().SetCanonical(ctx, "t1", e.ID, "canon-1"))

	again := &types.Entity{TenantID: "t1", EntityType: types.ENTITY_FUNCTION, SourceKind: "github", SourceIDInSource: "repo:main.go:Run", Name: "Run"}
	require.NoError(t, p.EntityStore().Upsert(ctx, again))
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, "canon-1", again.CanonicalID)

	_, err := p.EntityStore().Get(ctx, "t2", e.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCanonicalCandidatesRankBySimilarity(t *testing.T) {
	p := New()
	ctx := context.Background()
	for _, c := range []*types.CanonicalEntity{
		{ID: "1", TenantID: "t1", EntityType: types.ENTITY_PERSON, Name: "Alice Cooper"},
		{ID: "2", TenantID: "t1", EntityType: types.ENTITY_PERSON, Name: "Jonathan Smith"},
		{ID: "3", TenantID: "t1", EntityType: types.ENTITY_ORGANIZATION, Name: "Jonathan Smith Inc"},
	} {
		require.NoError(t, p.CanonicalEntityStore().Create(ctx, c))
	}
	got, err := p.CanonicalEntityStore().Candidates(ctx, "t1", []types.EntityType{types.ENTITY_PERSON}, "Jonathon Smith", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)

	exact, err := p.CanonicalEntityStore().FindByNormName(ctx, "t1", nil, "alice cooper")
	require.NoError(t, err)
	require.Len(t, exact, 1)

	orphans, err := p.CanonicalEntityStore().DeleteOrphans(ctx, time.Now().Unix())
	require.NoError(t, err)
	assert.Len(t, orphans, 3)
}

func TestIndexedHashTrailsContent(t *testing.T) {
	p := New()
	ctx := context.Background()
	c := chunk("t1", "item", 0, "hello")
	require.NoError(t, p.ChunkStore().UpsertMany(ctx, []*types.Chunk{c}))

	hashes, err := p.ChunkStore().Hashes(ctx, "t1", []string{c.ChunkID})
	require.NoError(t, err)
	assert.Equal(t, c.ContentHash, hashes[c.ChunkID].Content)
	assert.Empty(t, hashes[c.ChunkID].Indexed)

	require.NoError(t, p.ChunkStore().MarkIndexed(ctx, "t2", []string{c.ChunkID}))
	require.NoError(t, p.ChunkStore().MarkIndexed(ctx, "t1", []string{c.ChunkID}))
	hashes, err = p.ChunkStore().Hashes(ctx, "t1", []string{c.ChunkID})
	require.NoError(t, err)
	assert.Equal(t, c.ContentHash, hashes[c.ChunkID].Indexed)

	edited := chunk("t1", "item", 0, "hello again")
	require.NoError(t, p.ChunkStore().UpsertMany(ctx, []*types.Chunk{edited}))
	hashes, err = p.ChunkStore().Hashes(ctx, "t1", []string{c.ChunkID})
	require.NoError(t, err)
	assert.Equal(t, edited.ContentHash, hashes[c.ChunkID].Content)
	assert.Equal(t, c.ContentHash, hashes[c.ChunkID].Indexed)
}
