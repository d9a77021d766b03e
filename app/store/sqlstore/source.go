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
		provider.stores.SourceStore = NewSourceStore(provider)
	})
}

type SourceStore struct {
	CommonFields
}

func NewSourceStore(provider SqlProviderAchieve) *SourceStore {
	repo := &SourceStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_SOURCES)
	repo.SetAllColumns("id", "tenant_id", "account_id", "connector_kind", "kind", "name", "external_ref", "config", "cursor", "created_at", "updated_at")
	return repo
}

func (s *SourceStore) Create(ctx context.Context, data *types.Source) error {
	now := time.Now().Unix()
	if data.CreatedAt == 0 {
		data.CreatedAt = now
	}
	data.UpdatedAt = now
	query := sq.Insert(s.GetTable()).
		Columns(s.GetAllColumns()...).
		Values(data.ID, data.TenantID, data.AccountID, data.Connector, data.Kind, data.Name, data.ExternalRef, data.Config, data.Cursor, data.CreatedAt, data.UpdatedAt)

	_, err := s.execQuery(ctx, query)
	return err
}

func (s *SourceStore) Get(ctx context.Context, tenantID, id string) (*types.Source, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id})

	var res types.Source
	if err := s.getQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *SourceStore) ListByAccount(ctx context.Context, tenantID, accountID string) ([]*types.Source, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).
		Where(sq.Eq{"tenant_id": tenantID, "account_id": accountID}).
		OrderBy("id")

	var res []*types.Source
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SourceStore) UpdateCursor(ctx context.Context, tenantID, id, cursor string) error {
	query := sq.Update(s.GetTable()).
		Set("cursor", cursor).
		Set("updated_at", time.Now().Unix()).
		Where(sq.Eq{"tenant_id": tenantID, "id": id})

	_, err := s.execQuery(ctx, query)
	return err
}

func (s *SourceStore) Delete(ctx context.Context, tenantID, id string) error {
	_, err := s.execQuery(ctx, sq.Delete(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id}))
	return err
}
