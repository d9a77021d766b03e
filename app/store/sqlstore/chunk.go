package sqlstore

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/register"
	"github.com/quka-ai/conhub/pkg/types"
)

func init() {
	register.RegisterFunc[*Provider](RegisterKey{}, func(provider *Provider) {
		provider.stores.ChunkStore = NewChunkStore(provider)
	})
}

// upserts are split so one statement stays under the postgres parameter limit
const chunkInsertBatch = 500

type ChunkStore struct {
	CommonFields
}

func NewChunkStore(provider SqlProviderAchieve) *ChunkStore {
	repo := &ChunkStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_CHUNKS)
	repo.SetAllColumns("chunk_id", "tenant_id", "source_id", "source_item_id", "chunk_index", "content", "content_hash", "block_type", "language", "metadata", "indexed_hash", "created_at", "updated_at")
	return repo
}

func (s *ChunkStore) UpsertMany(ctx context.Context, chunks []*types.Chunk) error {
	now := time.Now().Unix()
	for _, batch := range lo.Chunk(chunks, chunkInsertBatch) {
		query := sq.Insert(s.GetTable()).Columns(s.GetAllColumns()...)
		for _, c := range batch {
			if c.CreatedAt == 0 {
				c.CreatedAt = now
			}
			c.UpdatedAt = now
			query = query.Values(c.ChunkID, c.TenantID, c.SourceID, c.SourceItemID, c.ChunkIndex, c.Content, c.ContentHash, c.BlockType, c.Language, c.Metadata, c.IndexedHash, c.CreatedAt, c.UpdatedAt)
		}
		query = query.Suffix("ON CONFLICT (chunk_id) DO UPDATE SET content = EXCLUDED.content, content_hash = EXCLUDED.content_hash, " +
			"block_type = EXCLUDED.block_type, language = EXCLUDED.language, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at")
		if _, err := s.execQuery(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChunkStore) deleteReturning(ctx context.Context, where sq.Sqlizer) ([]string, error) {
	var ids []string
	if err := s.returningQuery(ctx, &ids, sq.Delete(s.GetTable()).Where(where).Suffix("RETURNING chunk_id")); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *ChunkStore) DeleteBySourceItem(ctx context.Context, tenantID, sourceItemID string) ([]string, error) {
	return s.deleteReturning(ctx, sq.Eq{"tenant_id": tenantID, "source_item_id": sourceItemID})
}

func (s *ChunkStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) ([]string, error) {
	return s.deleteReturning(ctx, sq.Eq{"tenant_id": tenantID, "source_id": sourceID})
}

func (s *ChunkStore) DeleteFromIndex(ctx context.Context, tenantID, sourceItemID string, fromIndex int) ([]string, error) {
	return s.deleteReturning(ctx, sq.And{
		sq.Eq{"tenant_id": tenantID, "source_item_id": sourceItemID},
		sq.GtOrEq{"chunk_index": fromIndex},
	})
}

func (s *ChunkStore) FetchByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*types.Chunk, error) {
	res := make(map[string]*types.Chunk, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "chunk_id": ids})

	var list []*types.Chunk
	if err := s.selectQuery(ctx, &list, query); err != nil {
		return nil, err
	}
	for _, c := range list {
		res[c.ChunkID] = c
	}
	return res, nil
}

func (s *ChunkStore) fetchByEvidence(ctx context.Context, evidence types.TableName, column, tenantID string, ids []string, limit int) ([]*types.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sub := sq.Select("1").From(evidence.Name() + " ev").
		Where("ev.chunk_id = c.chunk_id").
		Where(sq.Eq{"ev.tenant_id": tenantID, "ev." + column: ids})
	query := sq.Select(s.GetAllColumnsWithPrefix("c")...).From(s.GetTable() + " c").
		Where(sq.Eq{"c.tenant_id": tenantID}).
		Where(sq.Expr("EXISTS (?)", sub)).
		OrderBy("c.chunk_id")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}

	var res []*types.Chunk
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *ChunkStore) FetchByEntityIDs(ctx context.Context, tenantID string, entityIDs []string, limit int) ([]*types.Chunk, error) {
	return s.fetchByEvidence(ctx, types.TABLE_ENTITY_EVIDENCE, "entity_id", tenantID, entityIDs, limit)
}

func (s *ChunkStore) FetchByRelationshipIDs(ctx context.Context, tenantID string, relationshipIDs []string, limit int) ([]*types.Chunk, error) {
	return s.fetchByEvidence(ctx, types.TABLE_RELATIONSHIP_EVIDENCE, "relationship_id", tenantID, relationshipIDs, limit)
}

func (s *ChunkStore) ContentChanged(ctx context.Context, chunkID, newHash string) (bool, error) {
	query := sq.Select("COUNT(*)").From(s.GetTable()).Where(sq.Eq{"chunk_id": chunkID, "content_hash": newHash})

	var n int
	if err := s.getQuery(ctx, &n, query); err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *ChunkStore) Hashes(ctx context.Context, tenantID string, ids []string) (map[string]types.ChunkHashes, error) {
	res := make(map[string]types.ChunkHashes, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	query := sq.Select("chunk_id", "content_hash", "indexed_hash").From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "chunk_id": ids})

	var rows []struct {
		ChunkID string `db:"chunk_id"`
		types.ChunkHashes
	}
	if err := s.selectQuery(ctx, &rows, query); err != nil {
		return nil, err
	}
	for _, r := range rows {
		res[r.ChunkID] = r.ChunkHashes
	}
	return res, nil
}

func (s *ChunkStore) MarkIndexed(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.execQuery(ctx, sq.Update(s.GetTable()).
		Set("indexed_hash", sq.Expr("content_hash")).
		Where(sq.Eq{"tenant_id": tenantID, "chunk_id": ids}))
	return err
}

func (s *ChunkStore) ListBySourceItem(ctx context.Context, tenantID, sourceItemID string) ([]*types.Chunk, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).
		Where(sq.Eq{"tenant_id": tenantID, "source_item_id": sourceItemID}).
		OrderBy("chunk_index")

	var res []*types.Chunk
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *ChunkStore) Count(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	if err := s.getQuery(ctx, &n, sq.Select("COUNT(*)").From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID})); err != nil {
		return 0, err
	}
	return n, nil
}
