package sqlstore

import (
	"context"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pgvector/pgvector-go"
	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/register"
	"github.com/quka-ai/conhub/pkg/types"
)

func init() {
	register.RegisterFunc[*Provider](RegisterKey{}, func(provider *Provider) {
		provider.stores.VectorStore = NewVectorStore(provider)
	})
}

const vectorInsertBatch = 200

type VectorStore struct {
	CommonFields
}

type vectorRow struct {
	ChunkID string  `db:"chunk_id"`
	Score   float64 `db:"score"`
	types.VectorPayload
	Embedding pgvector.Vector `db:"embedding"`
}

func NewVectorStore(provider SqlProviderAchieve) *VectorStore {
	repo := &VectorStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_VECTORS)
	repo.SetAllColumns("chunk_id", "tenant_id", "source_id", "source_item_id", "connector_kind", "block_type", "language",
		"author", "repository", "robot_id", "tags", "preview", "model_set", "source_updated_at")
	return repo
}

// Upsert writes records keyed by chunk id; a re-embedded chunk replaces its row.
func (s *VectorStore) Upsert(ctx context.Context, records []*types.VectorRecord) error {
	now := time.Now().Unix()
	columns := append(s.GetAllColumns(), "embedding", "updated_at")
	for _, batch := range lo.Chunk(records, vectorInsertBatch) {
		query := sq.Insert(s.GetTable()).Columns(columns...)
		for _, r := range batch {
			p := r.Payload
			if p.Tags == nil {
				p.Tags = []string{}
			}
			query = query.Values(r.ChunkID, p.TenantID, p.SourceID, p.SourceItemID, p.ConnectorKind, p.BlockType, p.Language,
				p.Author, p.Repository, p.RobotID, p.Tags, p.Preview, p.ModelSet, p.SourceUpdatedAt,
				pgvector.NewVector(r.Embedding), now)
		}
		query = query.Suffix("ON CONFLICT (chunk_id) DO UPDATE SET connector_kind = EXCLUDED.connector_kind, block_type = EXCLUDED.block_type, " +
			"language = EXCLUDED.language, author = EXCLUDED.author, repository = EXCLUDED.repository, robot_id = EXCLUDED.robot_id, " +
			"tags = EXCLUDED.tags, preview = EXCLUDED.preview, model_set = EXCLUDED.model_set, source_updated_at = EXCLUDED.source_updated_at, " +
			"embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at")
		if _, err := s.execQuery(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Search ranks by cosine similarity. Rows embedded with a different dimension
// are skipped instead of failing the whole query.
func (s *VectorStore) Search(ctx context.Context, vector []float32, topK int, filter types.VectorFilter) ([]*types.VectorHit, error) {
	if filter.TenantID == "" {
		return nil, errors.NewKind("VectorStore.Search", errors.KindInvalid, "tenant_id is required", nil)
	}
	if topK <= 0 {
		return nil, nil
	}
	// pgvector supported distance functions are:
	// <-> - L2 distance
	// <#> - (negative) inner product
	// <=> - cosine distance
	var rows []vectorRow
	if err := s.selectQuery(ctx, &rows, s.searchQuery(vector, topK, filter)); err != nil {
		return nil, err
	}
	hits := make([]*types.VectorHit, 0, len(rows))
	for _, r := range rows {
		score := r.Score
		if math.IsNaN(score) {
			score = 0
		}
		hits = append(hits, &types.VectorHit{
			ChunkID: r.ChunkID,
			Score:   math.Max(0, math.Min(1, score)),
			Payload: r.VectorPayload,
		})
	}
	return hits, nil
}

// searchQuery orders on the distance itself; a sort on the score alias
// cannot use a vector index.
func (s *VectorStore) searchQuery(vector []float32, topK int, filter types.VectorFilter) sq.SelectBuilder {
	target := pgvector.NewVector(vector)
	query := sq.Select(s.GetAllColumns()...).
		Column(sq.Alias(sq.Expr("1 - (embedding <=> ?)", target), "score")).
		From(s.GetTable()).
		Where(sq.Eq{"vector_dims(embedding)": len(vector)}).
		OrderByClause("embedding <=> ? ASC", target).
		OrderBy("chunk_id ASC").
		Limit(uint64(topK))
	filter.Apply(&query)
	return query
}

func (s *VectorStore) FetchByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*types.VectorRecord, error) {
	res := make(map[string]*types.VectorRecord, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	query := sq.Select(append(s.GetAllColumns(), "embedding")...).From(s.GetTable()).
		Where(sq.Eq{"tenant_id": tenantID, "chunk_id": ids})

	var rows []vectorRow
	if err := s.selectQuery(ctx, &rows, query); err != nil {
		return nil, err
	}
	for _, r := range rows {
		res[r.ChunkID] = &types.VectorRecord{
			ChunkID:   r.ChunkID,
			Embedding: r.Embedding.Slice(),
			Payload:   r.VectorPayload,
		}
	}
	return res, nil
}

func (s *VectorStore) DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.execQuery(ctx, sq.Delete(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "chunk_id": ids}))
	return err
}

func (s *VectorStore) DeleteBySourceItem(ctx context.Context, tenantID, sourceItemID string) error {
	_, err := s.execQuery(ctx, sq.Delete(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "source_item_id": sourceItemID}))
	return err
}

func (s *VectorStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	_, err := s.execQuery(ctx, sq.Delete(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "source_id": sourceID}))
	return err
}

func (s *VectorStore) Count(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	if err := s.getQuery(ctx, &n, sq.Select("COUNT(*)").From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID})); err != nil {
		return 0, err
	}
	return n, nil
}
