package sqlstore

import (
	"context"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/quka-ai/conhub/pkg/register"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/utils"
)

func init() {
	register.RegisterFunc[*Provider](RegisterKey{}, func(provider *Provider) {
		provider.stores.EntityStore = NewEntityStore(provider)
		provider.stores.CanonicalEntityStore = NewCanonicalEntityStore(provider)
	})
}

type EntityStore struct {
	CommonFields
}

func NewEntityStore(provider SqlProviderAchieve) *EntityStore {
	repo := &EntityStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_ENTITIES)
	repo.SetAllColumns("id", "tenant_id", "entity_type", "source_kind", "source_id_in_source", "name", "properties", "canonical_id", "created_at", "updated_at")
	return repo
}

// Upsert merges properties with jsonb concatenation; the new values win.
func (s *EntityStore) Upsert(ctx context.Context, data *types.Entity) error {
	data.EnsureID()
	now := time.Now().Unix()
	if data.CreatedAt == 0 {
		data.CreatedAt = now
	}
	data.UpdatedAt = now
	query := sq.Insert(s.GetTable()).
		Columns(s.GetAllColumns()...).
		Values(data.ID, data.TenantID, data.EntityType, data.SourceKind, data.SourceIDInSource, data.Name, data.Properties, data.CanonicalID, data.CreatedAt, data.UpdatedAt).
		Suffix("ON CONFLICT (tenant_id, source_kind, source_id_in_source) DO UPDATE SET name = EXCLUDED.name, entity_type = EXCLUDED.entity_type, " +
			"properties = " + s.GetTable() + ".properties || EXCLUDED.properties, " +
			"canonical_id = CASE WHEN EXCLUDED.canonical_id = '' THEN " + s.GetTable() + ".canonical_id ELSE EXCLUDED.canonical_id END, " +
			"updated_at = EXCLUDED.updated_at RETURNING canonical_id")

	var canonical []string
	if err := s.returningQuery(ctx, &canonical, query); err != nil {
		return err
	}
	if len(canonical) == 1 {
		data.CanonicalID = canonical[0]
	}
	return nil
}

func (s *EntityStore) Get(ctx context.Context, tenantID, id string) (*types.Entity, error) {
	var res types.Entity
	if err := s.getQuery(ctx, &res, sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id})); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *EntityStore) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*types.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var res []*types.Entity
	if err := s.selectQuery(ctx, &res, sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": ids})); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *EntityStore) SearchByName(ctx context.Context, tenantID string, terms []string, entityTypes []types.EntityType, limit int) ([]*types.Entity, error) {
	var patterns []string
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			patterns = append(patterns, "%"+escapeLike(t)+"%")
		}
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(sq.Expr("lower(name) LIKE ANY (?)", pq.StringArray(patterns))).
		OrderBy("length(name)", "id")
	if len(entityTypes) > 0 {
		query = query.Where(sq.Eq{"entity_type": entityTypes})
	}
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}

	var res []*types.Entity
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

func (s *EntityStore) SetCanonical(ctx context.Context, tenantID, entityID, canonicalID string) error {
	_, err := s.execQuery(ctx, sq.Update(s.GetTable()).
		Set("canonical_id", canonicalID).
		Where(sq.Eq{"tenant_id": tenantID, "id": entityID}))
	return err
}

func (s *EntityStore) ListByCanonical(ctx context.Context, tenantID, canonicalID string) ([]*types.Entity, error) {
	var res []*types.Entity
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "canonical_id": canonicalID}).OrderBy("id")
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteOrphans removes entities nothing cites; relationships touching them
// go with them through the foreign keys.
func (s *EntityStore) DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error) {
	query := sq.Delete(s.GetTable()).
		Where(sq.LtOrEq{"updated_at": cutoff}).
		Where("NOT EXISTS (SELECT 1 FROM " + types.TABLE_ENTITY_EVIDENCE.Name() + " ev WHERE ev.entity_id = " + s.GetTable() + ".id)").
		Suffix("RETURNING id")

	var ids []string
	if err := s.returningQuery(ctx, &ids, query); err != nil {
		return nil, err
	}
	return ids, nil
}

type CanonicalEntityStore struct {
	CommonFields
}

func NewCanonicalEntityStore(provider SqlProviderAchieve) *CanonicalEntityStore {
	repo := &CanonicalEntityStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_CANONICAL_ENTITIES)
	repo.SetAllColumns("id", "tenant_id", "entity_type", "name", "norm_name", "properties", "confidence", "created_at", "updated_at")
	return repo
}

func (s *CanonicalEntityStore) Create(ctx context.Context, data *types.CanonicalEntity) error {
	now := time.Now().Unix()
	data.CreatedAt, data.UpdatedAt = now, now
	if data.NormName == "" {
		data.NormName = utils.NormalizeName(data.Name)
	}
	query := sq.Insert(s.GetTable()).
		Columns(s.GetAllColumns()...).
		Values(data.ID, data.TenantID, data.EntityType, data.Name, data.NormName, data.Properties, data.Confidence, data.CreatedAt, data.UpdatedAt)
	_, err := s.execQuery(ctx, query)
	return err
}

func (s *CanonicalEntityStore) Update(ctx context.Context, data *types.CanonicalEntity) error {
	data.UpdatedAt = time.Now().Unix()
	query := sq.Update(s.GetTable()).
		Set("entity_type", data.EntityType).
		Set("name", data.Name).
		Set("norm_name", data.NormName).
		Set("properties", data.Properties).
		Set("confidence", data.Confidence).
		Set("updated_at", data.UpdatedAt).
		Where(sq.Eq{"tenant_id": data.TenantID, "id": data.ID})
	_, err := s.execQuery(ctx, query)
	return err
}

func (s *CanonicalEntityStore) Get(ctx context.Context, tenantID, id string) (*types.CanonicalEntity, error) {
	var res types.CanonicalEntity
	if err := s.getQuery(ctx, &res, sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id})); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *CanonicalEntityStore) FindByNormName(ctx context.Context, tenantID string, entityTypes []types.EntityType, normName string) ([]*types.CanonicalEntity, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).
		Where(sq.Eq{"tenant_id": tenantID, "norm_name": normName}).
		OrderBy("id")
	if len(entityTypes) > 0 {
		query = query.Where(sq.Eq{"entity_type": entityTypes})
	}
	var res []*types.CanonicalEntity
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

// Candidates uses pg_trgm similarity; the caller rescoring decides the match.
func (s *CanonicalEntityStore) Candidates(ctx context.Context, tenantID string, entityTypes []types.EntityType, hint string, limit int) ([]*types.CanonicalEntity, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderByClause(sq.Expr("similarity(norm_name, ?) DESC, id", hint))
	if len(entityTypes) > 0 {
		query = query.Where(sq.Eq{"entity_type": entityTypes})
	}
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	var res []*types.CanonicalEntity
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *CanonicalEntityStore) DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error) {
	query := sq.Delete(s.GetTable()).
		Where(sq.LtOrEq{"updated_at": cutoff}).
		Where("NOT EXISTS (SELECT 1 FROM " + types.TABLE_ENTITIES.Name() + " e WHERE e.canonical_id = " + s.GetTable() + ".id)").
		Suffix("RETURNING id")

	var ids []string
	if err := s.returningQuery(ctx, &ids, query); err != nil {
		return nil, err
	}
	return ids, nil
}
