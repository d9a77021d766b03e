package sqlstore

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/quka-ai/conhub/pkg/register"
	"github.com/quka-ai/conhub/pkg/types"
)

func init() {
	register.RegisterFunc[*Provider](RegisterKey{}, func(provider *Provider) {
		provider.stores.RelationshipStore = NewRelationshipStore(provider)
		provider.stores.EvidenceStore = NewEvidenceStore(provider)
	})
}

type RelationshipStore struct {
	CommonFields
}

func NewRelationshipStore(provider SqlProviderAchieve) *RelationshipStore {
	repo := &RelationshipStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_RELATIONSHIPS)
	repo.SetAllColumns("id", "tenant_id", "from_entity", "to_entity", "rel_type", "properties", "weight", "created_at", "updated_at")
	return repo
}

func (s *RelationshipStore) Upsert(ctx context.Context, data *types.Relationship) error {
	data.EnsureID()
	now := time.Now().Unix()
	if data.CreatedAt == 0 {
		data.CreatedAt = now
	}
	data.UpdatedAt = now
	query := sq.Insert(s.GetTable()).
		Columns(s.GetAllColumns()...).
		Values(data.ID, data.TenantID, data.FromEntity, data.ToEntity, data.RelType, data.Properties, data.Weight, data.CreatedAt, data.UpdatedAt).
		Suffix("ON CONFLICT (from_entity, to_entity, rel_type) DO UPDATE SET " +
			"properties = " + s.GetTable() + ".properties || EXCLUDED.properties, " +
			"weight = GREATEST(" + s.GetTable() + ".weight, EXCLUDED.weight), updated_at = EXCLUDED.updated_at")
	_, err := s.execQuery(ctx, query)
	return err
}

func (s *RelationshipStore) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*types.Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var res []*types.Relationship
	if err := s.selectQuery(ctx, &res, sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": ids})); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *RelationshipStore) ListByEntities(ctx context.Context, tenantID string, entityIDs []string, relTypes []types.RelType) ([]*types.Relationship, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(sq.Or{sq.Eq{"from_entity": entityIDs}, sq.Eq{"to_entity": entityIDs}}).
		OrderBy("id")
	if len(relTypes) > 0 {
		query = query.Where(sq.Eq{"rel_type": relTypes})
	}
	var res []*types.Relationship
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *RelationshipStore) DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error) {
	query := sq.Delete(s.GetTable()).
		Where(sq.LtOrEq{"updated_at": cutoff}).
		Where("NOT EXISTS (SELECT 1 FROM " + types.TABLE_RELATIONSHIP_EVIDENCE.Name() + " ev WHERE ev.relationship_id = " + s.GetTable() + ".id)").
		Suffix("RETURNING id")

	var ids []string
	if err := s.returningQuery(ctx, &ids, query); err != nil {
		return nil, err
	}
	return ids, nil
}

type EvidenceStore struct {
	CommonFields
}

func NewEvidenceStore(provider SqlProviderAchieve) *EvidenceStore {
	repo := &EvidenceStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_ENTITY_EVIDENCE)
	repo.GetTableFunc(func(key []interface{}) string {
		if len(key) == 1 && key[0] == "relationship" {
			return types.TABLE_RELATIONSHIP_EVIDENCE.Name()
		}
		return types.TABLE_ENTITY_EVIDENCE.Name()
	})
	return repo
}

func (s *EvidenceStore) AddEntityEvidence(ctx context.Context, evidence []types.EntityEvidence) error {
	if len(evidence) == 0 {
		return nil
	}
	query := sq.Insert(s.GetTable()).Columns("chunk_id", "entity_id", "tenant_id")
	for _, ev := range evidence {
		query = query.Values(ev.ChunkID, ev.EntityID, ev.TenantID)
	}
	_, err := s.execQuery(ctx, query.Suffix("ON CONFLICT DO NOTHING"))
	return err
}

func (s *EvidenceStore) AddRelationshipEvidence(ctx context.Context, evidence []types.RelationshipEvidence) error {
	if len(evidence) == 0 {
		return nil
	}
	query := sq.Insert(s.GetTable("relationship")).Columns("chunk_id", "relationship_id", "tenant_id")
	for _, ev := range evidence {
		query = query.Values(ev.ChunkID, ev.RelationshipID, ev.TenantID)
	}
	_, err := s.execQuery(ctx, query.Suffix("ON CONFLICT DO NOTHING"))
	return err
}

func (s *EvidenceStore) DeleteByChunkIDs(ctx context.Context, tenantID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	for _, table := range []string{s.GetTable(), s.GetTable("relationship")} {
		if _, err := s.execQuery(ctx, sq.Delete(table).Where(sq.Eq{"tenant_id": tenantID, "chunk_id": chunkIDs})); err != nil {
			return err
		}
	}
	return nil
}

type evidencePair struct {
	From string `db:"from_id"`
	To   string `db:"to_id"`
}

func (s *EvidenceStore) pairs(ctx context.Context, table, fromCol, toCol, tenantID string, ids []string) (map[string][]string, error) {
	res := map[string][]string{}
	if len(ids) == 0 {
		return res, nil
	}
	query := sq.Select(fromCol+" AS from_id", toCol+" AS to_id").From(table).
		Where(sq.Eq{"tenant_id": tenantID, fromCol: ids}).
		OrderBy(fromCol, toCol)

	var rows []evidencePair
	if err := s.selectQuery(ctx, &rows, query); err != nil {
		return nil, err
	}
	for _, r := range rows {
		res[r.From] = append(res[r.From], r.To)
	}
	return res, nil
}

func (s *EvidenceStore) EntitiesForChunks(ctx context.Context, tenantID string, chunkIDs []string) (map[string][]string, error) {
	return s.pairs(ctx, s.GetTable(), "chunk_id", "entity_id", tenantID, chunkIDs)
}

func (s *EvidenceStore) ChunksForEntities(ctx context.Context, tenantID string, entityIDs []string) (map[string][]string, error) {
	return s.pairs(ctx, s.GetTable(), "entity_id", "chunk_id", tenantID, entityIDs)
}

func (s *EvidenceStore) ChunksForRelationships(ctx context.Context, tenantID string, relationshipIDs []string) (map[string][]string, error) {
	return s.pairs(ctx, s.GetTable("relationship"), "relationship_id", "chunk_id", tenantID, relationshipIDs)
}
