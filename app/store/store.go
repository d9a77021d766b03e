package store

import (
	"context"

	"github.com/quka-ai/conhub/pkg/sqlstore"
	"github.com/quka-ai/conhub/pkg/types"
)

// AccountStore persists connected accounts. Lookups are always tenant scoped.
type AccountStore interface {
	sqlstore.SqlCommons
	Create(ctx context.Context, data *types.ConnectedAccount) error
	Get(ctx context.Context, tenantID, id string) (*types.ConnectedAccount, error)
	List(ctx context.Context, opts types.ListAccountsOptions) ([]*types.ConnectedAccount, error)
	UpdateStatus(ctx context.Context, tenantID, id string, status types.AccountStatus) error
	SetLastSync(ctx context.Context, tenantID, id string, at int64) error
	Delete(ctx context.Context, tenantID, id string) error
}

type SourceStore interface {
	sqlstore.SqlCommons
	Create(ctx context.Context, data *types.Source) error
	Get(ctx context.Context, tenantID, id string) (*types.Source, error)
	ListByAccount(ctx context.Context, tenantID, accountID string) ([]*types.Source, error)
	// UpdateCursor only runs after a sync of the source completed.
	UpdateCursor(ctx context.Context, tenantID, id, cursor string) error
	Delete(ctx context.Context, tenantID, id string) error
}

// SourceItemStore keeps one row per upstream item with its last indexed fingerprint.
type SourceItemStore interface {
	sqlstore.SqlCommons
	Upsert(ctx context.Context, data *types.SourceItem) error
	Get(ctx context.Context, tenantID, id string) (*types.SourceItem, error)
	// Fingerprint returns "" when the item was never indexed.
	Fingerprint(ctx context.Context, tenantID, id string) (string, error)
	ListIDsBySource(ctx context.Context, tenantID, sourceID string) ([]string, error)
	Delete(ctx context.Context, tenantID, id string) error
	DeleteBySource(ctx context.Context, tenantID, sourceID string) error
}

// ChunkStore is the single source of truth for chunk text. The vector index
// and the graph only point at chunk ids.
type ChunkStore interface {
	sqlstore.SqlCommons
	// UpsertMany inserts or, on chunk_id conflict, updates content, hash, metadata and updated_at.
	UpsertMany(ctx context.Context, chunks []*types.Chunk) error
	// DeleteBySourceItem returns the ids of the deleted chunks.
	DeleteBySourceItem(ctx context.Context, tenantID, sourceItemID string) ([]string, error)
	DeleteBySource(ctx context.Context, tenantID, sourceID string) ([]string, error)
	// DeleteFromIndex removes the stale tail left when an item shrinks.
	DeleteFromIndex(ctx context.Context, tenantID, sourceItemID string, fromIndex int) ([]string, error)
	FetchByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*types.Chunk, error)
	FetchByEntityIDs(ctx context.Context, tenantID string, entityIDs []string, limit int) ([]*types.Chunk, error)
	FetchByRelationshipIDs(ctx context.Context, tenantID string, relationshipIDs []string, limit int) ([]*types.Chunk, error)
	// ContentChanged reports true for unknown chunks as well.
	ContentChanged(ctx context.Context, chunkID, newHash string) (bool, error)
	Hashes(ctx context.Context, tenantID string, ids []string) (map[string]types.ChunkHashes, error)
	// MarkIndexed records that the vectors and the graph of the chunks caught up with their content.
	MarkIndexed(ctx context.Context, tenantID string, ids []string) error
	ListBySourceItem(ctx context.Context, tenantID, sourceItemID string) ([]*types.Chunk, error)
	Count(ctx context.Context, tenantID string) (int64, error)
}

// VectorStore is the dense index. Search requires a tenant and scores with
// 1 - cosine distance clamped to [0, 1], ordered by score desc then chunk id.
type VectorStore interface {
	sqlstore.SqlCommons
	Upsert(ctx context.Context, records []*types.VectorRecord) error
	Search(ctx context.Context, vector []float32, topK int, filter types.VectorFilter) ([]*types.VectorHit, error)
	FetchByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*types.VectorRecord, error)
	DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error
	DeleteBySourceItem(ctx context.Context, tenantID, sourceItemID string) error
	DeleteBySource(ctx context.Context, tenantID, sourceID string) error
	Count(ctx context.Context, tenantID string) (int64, error)
}

type EntityStore interface {
	sqlstore.SqlCommons
	// Upsert is keyed by (tenant, source_kind, source_id_in_source). An existing
	// canonical binding is kept.
	Upsert(ctx context.Context, data *types.Entity) error
	Get(ctx context.Context, tenantID, id string) (*types.Entity, error)
	GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*types.Entity, error)
	// SearchByName matches any term case-insensitively against entity names.
	SearchByName(ctx context.Context, tenantID string, terms []string, entityTypes []types.EntityType, limit int) ([]*types.Entity, error)
	SetCanonical(ctx context.Context, tenantID, entityID, canonicalID string) error
	ListByCanonical(ctx context.Context, tenantID, canonicalID string) ([]*types.Entity, error)
	// DeleteOrphans removes entities without evidence last updated at or
	// before cutoff (unix seconds) and returns their ids.
	DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error)
}

type CanonicalEntityStore interface {
	sqlstore.SqlCommons
	Create(ctx context.Context, data *types.CanonicalEntity) error
	Update(ctx context.Context, data *types.CanonicalEntity) error
	Get(ctx context.Context, tenantID, id string) (*types.CanonicalEntity, error)
	FindByNormName(ctx context.Context, tenantID string, entityTypes []types.EntityType, normName string) ([]*types.CanonicalEntity, error)
	// Candidates returns canonicals of the given types ordered by name similarity to hint.
	Candidates(ctx context.Context, tenantID string, entityTypes []types.EntityType, hint string, limit int) ([]*types.CanonicalEntity, error)
	DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error)
}

type RelationshipStore interface {
	sqlstore.SqlCommons
	// Upsert dedupes by (from, to, rel_type) and keeps the highest weight.
	Upsert(ctx context.Context, data *types.Relationship) error
	GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*types.Relationship, error)
	// ListByEntities returns relationships touching any of the entities on either end.
	ListByEntities(ctx context.Context, tenantID string, entityIDs []string, relTypes []types.RelType) ([]*types.Relationship, error)
	DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error)
}

type EvidenceStore interface {
	sqlstore.SqlCommons
	AddEntityEvidence(ctx context.Context, evidence []types.EntityEvidence) error
	AddRelationshipEvidence(ctx context.Context, evidence []types.RelationshipEvidence) error
	// DeleteByChunkIDs drops both entity and relationship evidence of the chunks.
	DeleteByChunkIDs(ctx context.Context, tenantID string, chunkIDs []string) error
	EntitiesForChunks(ctx context.Context, tenantID string, chunkIDs []string) (map[string][]string, error)
	ChunksForEntities(ctx context.Context, tenantID string, entityIDs []string) (map[string][]string, error)
	ChunksForRelationships(ctx context.Context, tenantID string, relationshipIDs []string) (map[string][]string, error)
}

// SyncJobStore archives finished jobs; live jobs are tracked by the orchestrator.
type SyncJobStore interface {
	sqlstore.SqlCommons
	Save(ctx context.Context, job *types.SyncJob) error
	Get(ctx context.Context, tenantID, jobID string) (*types.SyncJob, error)
	ListByAccount(ctx context.Context, tenantID, accountID string, limit uint64) ([]*types.SyncJob, error)
}

// Provider is the aggregate every component receives.
type Provider interface {
	AccountStore() AccountStore
	SourceStore() SourceStore
	SourceItemStore() SourceItemStore
	ChunkStore() ChunkStore
	VectorStore() VectorStore
	EntityStore() EntityStore
	CanonicalEntityStore() CanonicalEntityStore
	RelationshipStore() RelationshipStore
	EvidenceStore() EvidenceStore
	SyncJobStore() SyncJobStore
	Transaction(ctx context.Context, next func(ctx context.Context) error) error
}
