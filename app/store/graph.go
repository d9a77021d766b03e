package store

import (
	"context"

	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/types"
)

// GraphBackend exposes the entity, relationship and evidence stores of a
// Provider as a graph.Backend and as the canonical store of the resolver.
type GraphBackend struct {
	p Provider
}

func NewGraphBackend(p Provider) *GraphBackend {
	return &GraphBackend{p: p}
}

var _ graph.Backend = (*GraphBackend)(nil)

func (b *GraphBackend) SearchEntities(ctx context.Context, tenantID string, terms []string, entityTypes []types.EntityType, limit int) ([]*types.Entity, error) {
	return b.p.EntityStore().SearchByName(ctx, tenantID, terms, entityTypes, limit)
}

func (b *GraphBackend) GetEntities(ctx context.Context, tenantID string, ids []string) ([]*types.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return b.p.EntityStore().GetByIDs(ctx, tenantID, ids)
}

func (b *GraphBackend) Relationships(ctx context.Context, tenantID string, entityIDs []string, relTypes []types.RelType) ([]*types.Relationship, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	return b.p.RelationshipStore().ListByEntities(ctx, tenantID, entityIDs, relTypes)
}

func (b *GraphBackend) EntitiesForChunks(ctx context.Context, tenantID string, chunkIDs []string) (map[string][]string, error) {
	return b.p.EvidenceStore().EntitiesForChunks(ctx, tenantID, chunkIDs)
}

func (b *GraphBackend) ChunksForEntities(ctx context.Context, tenantID string, entityIDs []string) (map[string][]string, error) {
	if len(entityIDs) == 0 {
		return map[string][]string{}, nil
	}
	return b.p.EvidenceStore().ChunksForEntities(ctx, tenantID, entityIDs)
}

func (b *GraphBackend) ChunksForRelationships(ctx context.Context, tenantID string, relationshipIDs []string) (map[string][]string, error) {
	if len(relationshipIDs) == 0 {
		return map[string][]string{}, nil
	}
	return b.p.EvidenceStore().ChunksForRelationships(ctx, tenantID, relationshipIDs)
}

func (b *GraphBackend) UpsertEntity(ctx context.Context, e *types.Entity) error {
	return b.p.EntityStore().Upsert(ctx, e)
}

func (b *GraphBackend) UpsertRelationship(ctx context.Context, r *types.Relationship) error {
	return b.p.RelationshipStore().Upsert(ctx, r)
}

func (b *GraphBackend) AddEvidence(ctx context.Context, entities []types.EntityEvidence, relationships []types.RelationshipEvidence) error {
	return b.p.Transaction(ctx, func(ctx context.Context) error {
		if len(entities) > 0 {
			if err := b.p.EvidenceStore().AddEntityEvidence(ctx, entities); err != nil {
				return err
			}
		}
		if len(relationships) > 0 {
			return b.p.EvidenceStore().AddRelationshipEvidence(ctx, relationships)
		}
		return nil
	})
}

func (b *GraphBackend) DeleteEvidence(ctx context.Context, tenantID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return b.p.EvidenceStore().DeleteByChunkIDs(ctx, tenantID, chunkIDs)
}

// DeleteOrphans runs relationships first so entities that only kept a
// relationship alive are seen as orphans in the same pass.
func (b *GraphBackend) DeleteOrphans(ctx context.Context, cutoff int64) (graph.GCStats, error) {
	var (
		stats graph.GCStats
		err   error
	)
	if stats.Relationships, err = b.p.RelationshipStore().DeleteOrphans(ctx, cutoff); err != nil {
		return stats, err
	}
	if stats.Entities, err = b.p.EntityStore().DeleteOrphans(ctx, cutoff); err != nil {
		return stats, err
	}
	if stats.Canonicals, err = b.p.CanonicalEntityStore().DeleteOrphans(ctx, cutoff); err != nil {
		return stats, err
	}
	return stats, nil
}

func (b *GraphBackend) Transaction(ctx context.Context, next func(ctx context.Context) error) error {
	return b.p.Transaction(ctx, next)
}

func (b *GraphBackend) FindByNormName(ctx context.Context, tenantID string, entityTypes []types.EntityType, normName string) ([]*types.CanonicalEntity, error) {
	return b.p.CanonicalEntityStore().FindByNormName(ctx, tenantID, entityTypes, normName)
}

func (b *GraphBackend) Candidates(ctx context.Context, tenantID string, entityTypes []types.EntityType, hint string, limit int) ([]*types.CanonicalEntity, error) {
	return b.p.CanonicalEntityStore().Candidates(ctx, tenantID, entityTypes, hint, limit)
}

func (b *GraphBackend) CreateCanonical(ctx context.Context, c *types.CanonicalEntity) error {
	return b.p.CanonicalEntityStore().Create(ctx, c)
}

func (b *GraphBackend) UpdateCanonical(ctx context.Context, c *types.CanonicalEntity) error {
	return b.p.CanonicalEntityStore().Update(ctx, c)
}

func (b *GraphBackend) Bind(ctx context.Context, tenantID, entityID, canonicalID string) error {
	return b.p.EntityStore().SetCanonical(ctx, tenantID, entityID, canonicalID)
}
