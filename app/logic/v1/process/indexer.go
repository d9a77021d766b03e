package process

import (
	"context"
	"log/slog"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/pkg/embedding"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/extractor"
	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/types"
)

type Embedder interface {
	Embed(ctx context.Context, profile types.ContentProfile, texts []string) (*embedding.Result, error)
}

type Invalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// Indexer writes chunks to the chunk store, then to the vector index and the
// graph. The chunk store write always commits first so every vector hit can
// be hydrated.
type Indexer struct {
	stores    store.Provider
	embedder  Embedder
	extractor *extractor.Extractor
	graph     *graph.Graph
	resolver  *extractor.Resolver
	cache     Invalidator
}

func NewIndexer(stores store.Provider, embedder Embedder, ext *extractor.Extractor, g *graph.Graph, resolver *extractor.Resolver, cache Invalidator) *Indexer {
	return &Indexer{
		stores:    stores,
		embedder:  embedder,
		extractor: ext,
		graph:     g,
		resolver:  resolver,
		cache:     cache,
	}
}

// IndexBatch indexes the chunks whose content changed, whose last indexing
// did not complete, or whose vector is missing, and returns how many it wrote.
// A chunk counts as indexed only once its vectors and its graph both committed.
func (ix *Indexer) IndexBatch(ctx context.Context, connector types.ConnectorKind, chunks []*types.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	tenantID := chunks[0].TenantID

	changed, err := ix.changedChunks(ctx, tenantID, chunks)
	if err != nil {
		return 0, err
	}
	if len(changed) == 0 {
		return 0, nil
	}

	if err = ix.stores.ChunkStore().UpsertMany(ctx, changed); err != nil {
		return 0, errors.Trace("Indexer.IndexBatch.UpsertMany", err)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return ix.writeVectors(gctx, connector, changed)
	})
	eg.Go(func() error {
		return ix.writeGraph(gctx, tenantID, changed)
	})
	if err = eg.Wait(); err != nil {
		return 0, err
	}
	if err = ix.stores.ChunkStore().MarkIndexed(ctx, tenantID, chunkIDs(changed)); err != nil {
		return 0, errors.Trace("Indexer.IndexBatch.MarkIndexed", err)
	}

	ix.invalidate(ctx, tenantID)
	return len(changed), nil
}

func chunkIDs(chunks []*types.Chunk) []string {
	return lo.Map(chunks, func(c *types.Chunk, _ int) string { return c.ChunkID })
}

func (ix *Indexer) changedChunks(ctx context.Context, tenantID string, chunks []*types.Chunk) ([]*types.Chunk, error) {
	hashes, err := ix.stores.ChunkStore().Hashes(ctx, tenantID, chunkIDs(chunks))
	if err != nil {
		return nil, errors.Trace("Indexer.Hashes", err)
	}

	indexed := func(c *types.Chunk) bool {
		h := hashes[c.ChunkID]
		return h.Content == c.ContentHash && h.Indexed == c.ContentHash
	}
	changed, same := lo.FilterReject(chunks, func(c *types.Chunk, _ int) bool { return !indexed(c) })
	if len(same) == 0 {
		return changed, nil
	}

	// vectors can also disappear behind an indexed chunk
	vectors, err := ix.stores.VectorStore().FetchByIDs(ctx, tenantID, chunkIDs(same))
	if err != nil {
		return nil, errors.Trace("Indexer.FetchVectors", err)
	}
	for _, c := range same {
		if _, ok := vectors[c.ChunkID]; !ok {
			changed = append(changed, c)
		}
	}
	return changed, nil
}

func (ix *Indexer) writeVectors(ctx context.Context, connector types.ConnectorKind, chunks []*types.Chunk) error {
	groups := lo.GroupBy(chunks, func(c *types.Chunk) types.ContentProfile {
		return types.ProfileForChunk(connector, c)
	})

	var records []*types.VectorRecord
	for profile, group := range groups {
		res, err := ix.embedder.Embed(ctx, profile, lo.Map(group, func(c *types.Chunk, _ int) string { return c.Content }))
		if err != nil {
			return errors.Trace("Indexer.Embed", err)
		}
		if len(res.Vectors) != len(group) {
			return errors.NewKind("Indexer.Embed", errors.KindDataIntegrity, "embedding count mismatch", nil)
		}
		for i, c := range group {
			records = append(records, &types.VectorRecord{
				ChunkID:   c.ChunkID,
				Embedding: res.Vectors[i],
				Payload:   types.PayloadForChunk(c, res.ModelSet),
			})
		}
		if len(res.Degraded) > 0 {
			slog.Warn("embedding degraded", slog.String("profile", res.Profile),
				slog.Any("failed_models", res.Degraded), slog.Int("chunks", len(group)))
		}
	}

	if err := ix.stores.VectorStore().Upsert(ctx, records); err != nil {
		return errors.Trace("Indexer.VectorUpsert", err)
	}
	return nil
}

func (ix *Indexer) writeGraph(ctx context.Context, tenantID string, chunks []*types.Chunk) error {
	extractions := ix.extractor.ExtractAll(chunks)
	if err := ix.graph.Write(ctx, tenantID, extractions); err != nil {
		return err
	}
	if ix.resolver == nil {
		return nil
	}

	var ids []string
	for _, ex := range extractions {
		for _, e := range ex.Entities {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	// a canonical has no member between its creation and the binding
	release := ix.graph.Hold()
	defer release()

	// the stored rows carry the canonical bindings made by earlier batches
	entities, err := ix.stores.EntityStore().GetByIDs(ctx, tenantID, lo.Uniq(ids))
	if err != nil {
		return errors.Trace("Indexer.GetEntities", err)
	}
	return ix.resolver.ResolveAll(ctx, entities)
}

// Finalize drops the chunks past the item's new length and records the item
// fingerprint. It runs after every batch of the item committed, so a failed
// item is picked up again by the next sync.
func (ix *Indexer) Finalize(ctx context.Context, item *types.SourceItem, total int) error {
	stale, err := ix.stores.ChunkStore().ListBySourceItem(ctx, item.TenantID, item.ID)
	if err != nil {
		return errors.Trace("Indexer.Finalize.List", err)
	}
	staleIDs := lo.FilterMap(stale, func(c *types.Chunk, _ int) (string, bool) {
		return c.ChunkID, c.ChunkIndex >= total
	})
	if len(staleIDs) > 0 {
		// chunk rows go last so a failed pass finds the same tail again
		if err = ix.graph.ForgetChunks(ctx, item.TenantID, staleIDs); err != nil {
			return err
		}
		if err = ix.stores.VectorStore().DeleteByChunkIDs(ctx, item.TenantID, staleIDs); err != nil {
			return errors.Trace("Indexer.Finalize.DeleteVectors", err)
		}
		if _, err = ix.stores.ChunkStore().DeleteFromIndex(ctx, item.TenantID, item.ID, total); err != nil {
			return errors.Trace("Indexer.Finalize.DeleteChunks", err)
		}
		ix.invalidate(ctx, item.TenantID)
	}

	if item.ContentFingerprint == "" {
		item.ContentFingerprint = item.Fingerprint()
	}
	if err = ix.stores.SourceItemStore().Upsert(ctx, item); err != nil {
		return errors.Trace("Indexer.Finalize.UpsertItem", err)
	}
	return nil
}

// DeleteItem removes an item that disappeared upstream. Evidence and vectors
// go before the chunks so neither ever outlives its chunk.
func (ix *Indexer) DeleteItem(ctx context.Context, tenantID, itemID string) error {
	chunks, err := ix.stores.ChunkStore().ListBySourceItem(ctx, tenantID, itemID)
	if err != nil {
		return errors.Trace("Indexer.DeleteItem.List", err)
	}
	if err = ix.graph.ForgetChunks(ctx, tenantID, chunkIDs(chunks)); err != nil {
		return err
	}
	if err = ix.stores.VectorStore().DeleteBySourceItem(ctx, tenantID, itemID); err != nil {
		return errors.Trace("Indexer.DeleteItem.Vectors", err)
	}
	if _, err = ix.stores.ChunkStore().DeleteBySourceItem(ctx, tenantID, itemID); err != nil {
		return errors.Trace("Indexer.DeleteItem.Chunks", err)
	}
	if err = ix.stores.SourceItemStore().Delete(ctx, tenantID, itemID); err != nil {
		return errors.Trace("Indexer.DeleteItem.Item", err)
	}
	ix.invalidate(ctx, tenantID)
	return nil
}

// DeleteSource cascades through items, chunks, vectors and evidence of a
// source, then the source row itself.
func (ix *Indexer) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	itemIDs, err := ix.stores.SourceItemStore().ListIDsBySource(ctx, tenantID, sourceID)
	if err != nil {
		return errors.Trace("Indexer.DeleteSource.ListItems", err)
	}
	for _, id := range itemIDs {
		if err = ix.DeleteItem(ctx, tenantID, id); err != nil {
			return err
		}
	}

	// chunks of items that never finalized have no item row
	if err = ix.stores.VectorStore().DeleteBySource(ctx, tenantID, sourceID); err != nil {
		return errors.Trace("Indexer.DeleteSource.Vectors", err)
	}
	ids, err := ix.stores.ChunkStore().DeleteBySource(ctx, tenantID, sourceID)
	if err != nil {
		return errors.Trace("Indexer.DeleteSource.Chunks", err)
	}
	if err = ix.graph.ForgetChunks(ctx, tenantID, ids); err != nil {
		return err
	}
	if err = ix.stores.SourceItemStore().DeleteBySource(ctx, tenantID, sourceID); err != nil {
		return errors.Trace("Indexer.DeleteSource.Items", err)
	}
	if err = ix.stores.SourceStore().Delete(ctx, tenantID, sourceID); err != nil {
		return errors.Trace("Indexer.DeleteSource.Source", err)
	}
	ix.invalidate(ctx, tenantID)
	return nil
}

func (ix *Indexer) invalidate(ctx context.Context, tenantID string) {
	if ix.cache == nil {
		return
	}
	if err := ix.cache.InvalidateTenant(ctx, tenantID); err != nil {
		slog.Warn("failed to invalidate query cache", slog.String("tenant_id", tenantID), slog.String("error", err.Error()))
	}
}
