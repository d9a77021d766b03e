package process

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/app/store/memstore"
	"github.com/quka-ai/conhub/pkg/embedding"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/extractor"
	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/types"
)

type flakyEmbedder struct {
	next *embedding.Service
	fail atomic.Bool
}

func (f *flakyEmbedder) Embed(ctx context.Context, profile types.ContentProfile, texts []string) (*embedding.Result, error) {
	if f.fail.Load() {
		return nil, errors.NewKind("flakyEmbedder", errors.KindTransient, "every model failed", nil)
	}
	return f.next.Embed(ctx, profile, texts)
}

type countingInvalidator struct {
	calls atomic.Int32
}

func (c *countingInvalidator) InvalidateTenant(ctx context.Context, tenantID string) error {
	c.calls.Add(1)
	return nil
}

func docChunks(itemID string, contents ...string) []*types.Chunk {
	chunks := make([]*types.Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = &types.Chunk{
			ChunkID:      types.ChunkID(itemID, i),
			TenantID:     tenant,
			SourceID:     "src-1",
			SourceItemID: itemID,
			ChunkIndex:   i,
			Content:      content,
			ContentHash:  types.ContentHash(content),
			BlockType:    types.BLOCK_TEXT,
			Metadata:     types.Metadata{types.META_TITLE: "notes"},
		}
	}
	return chunks
}

// flakyGraph fails the next evidence write once fail is set.
type flakyGraph struct {
	graph.Backend
	fail atomic.Bool
}

func (f *flakyGraph) AddEvidence(ctx context.Context, entities []types.EntityEvidence, relationships []types.RelationshipEvidence) error {
	if f.fail.CompareAndSwap(true, false) {
		return errors.NewKind("flakyGraph", errors.KindTransient, "graph store unavailable", nil)
	}
	return f.Backend.AddEvidence(ctx, entities, relationships)
}

func newTestIndexer(p *memstore.Provider) (*Indexer, *flakyEmbedder, *countingInvalidator) {
	return newIndexerOn(p, store.NewGraphBackend(p))
}

func newIndexerOn(p *memstore.Provider, backend graph.Backend) (*Indexer, *flakyEmbedder, *countingInvalidator) {
	embed := &flakyEmbedder{
		next: embedding.NewService(embedding.DefaultConfig(), embedding.DefaultProfiles(embedding.HashProviderName, "local"), embedding.WithProvider(embedding.NewHashProvider(128))),
	}
	inv := &countingInvalidator{}
	g := graph.New(backend)
	return NewIndexer(p, embed, extractor.New(), g, extractor.NewResolver(store.NewGraphBackend(p), 0.85), inv), embed, inv
}

func TestIndexBatchRecoversMissingVectors(t *testing.T) {
	p := memstore.New()
	ix, embed, inv := newTestIndexer(p)
	ctx := context.Background()
	itemID := types.SourceItemID("src-1", "notes")
	chunks := docChunks(itemID, "first paragraph", "second paragraph")

	embed.fail.Store(true)
	_, err := ix.IndexBatch(ctx, types.CONNECTOR_WEB, chunks)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindTransient))

	// the chunk rows committed, the vectors did not
	counts := p.Counts()
	assert.Equal(t, 2, counts.Chunks)
	assert.Zero(t, counts.Vectors)
	assert.Zero(t, inv.calls.Load())

	embed.fail.Store(false)
	n, err := ix.IndexBatch(ctx, types.CONNECTOR_WEB, docChunks(itemID, "first paragraph", "second paragraph"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, p.Counts().Vectors)
	assert.EqualValues(t, 1, inv.calls.Load())

	n, err = ix.IndexBatch(ctx, types.CONNECTOR_WEB, docChunks(itemID, "first paragraph", "second paragraph"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, inv.calls.Load())
}

func TestIndexBatchRetriesFailedGraphWrites(t *testing.T) {
	p := memstore.New()
	backend := &flakyGraph{Backend: store.NewGraphBackend(p)}
	ix, _, inv := newIndexerOn(p, backend)
	ctx := context.Background()
	itemID := types.SourceItemID("src-1", "notes")
	chunkID := types.ChunkID(itemID, 0)

	backend.fail.Store(true)
	_, err := ix.IndexBatch(ctx, types.CONNECTOR_WEB, docChunks(itemID, "ping @bob about the release"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindTransient))
	assert.Zero(t, inv.calls.Load())

	hashes, err := p.ChunkStore().Hashes(ctx, tenant, []string{chunkID})
	require.NoError(t, err)
	assert.Empty(t, hashes[chunkID].Indexed, "a failed graph write leaves the chunk unindexed")

	n, err := ix.IndexBatch(ctx, types.CONNECTOR_WEB, docChunks(itemID, "ping @bob about the release"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ents, err := p.EvidenceStore().EntitiesForChunks(ctx, tenant, []string{chunkID})
	require.NoError(t, err)
	assert.NotEmpty(t, ents[chunkID])

	n, err = ix.IndexBatch(ctx, types.CONNECTOR_WEB, docChunks(itemID, "ping @bob about the release"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFinalizeDropsShrunkTail(t *testing.T) {
	p := memstore.New()
	ix, _, _ := newTestIndexer(p)
	ctx := context.Background()
	item := &types.SourceItem{
		ID:         types.SourceItemID("src-1", "notes"),
		TenantID:   tenant,
		SourceID:   "src-1",
		ExternalID: "notes",
		Kind:       types.ITEM_DOCUMENT,
		Title:      "notes",
		Content:    "one two three",
	}

	_, err := ix.IndexBatch(ctx, types.CONNECTOR_WEB, docChunks(item.ID, "one", "two", "three"))
	require.NoError(t, err)
	require.NoError(t, ix.Finalize(ctx, item, 3))

	fp, err := p.SourceItemStore().Fingerprint(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Fingerprint(), fp)

	item.Content = "one"
	item.ContentFingerprint = ""
	_, err = ix.IndexBatch(ctx, types.CONNECTOR_WEB, docChunks(item.ID, "one"))
	require.NoError(t, err)
	require.NoError(t, ix.Finalize(ctx, item, 1))

	chunks, err := p.ChunkStore().ListBySourceItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "one", chunks[0].Content)
	assert.Equal(t, 1, p.Counts().Vectors)

	fp, err = p.SourceItemStore().Fingerprint(ctx, tenant, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContentHash("notes\x00one"), fp)
}

func TestDeleteItemRemovesVectorsAndEvidence(t *testing.T) {
	p := memstore.New()
	ix, _, _ := newTestIndexer(p)
	ctx := context.Background()
	item := &types.SourceItem{ID: types.SourceItemID("src-1", "notes"), TenantID: tenant, SourceID: "src-1", ExternalID: "notes"}

	_, err := ix.IndexBatch(ctx, types.CONNECTOR_WEB, docChunks(item.ID, "Alice reviewed the `Scheduler` design."))
	require.NoError(t, err)
	require.NoError(t, ix.Finalize(ctx, item, 1))

	require.NoError(t, ix.DeleteItem(ctx, tenant, item.ID))
	counts := p.Counts()
	assert.Zero(t, counts.Items)
	assert.Zero(t, counts.Chunks)
	assert.Zero(t, counts.Vectors)
	assert.Zero(t, counts.Evidence)
}
