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
		provider.stores.AccountStore = NewAccountStore(provider)
	})
}

type AccountStore struct {
	CommonFields
}

func NewAccountStore(provider SqlProviderAchieve) *AccountStore {
	repo := &AccountStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_CONNECTED_ACCOUNTS)
	repo.SetAllColumns("id", "tenant_id", "user_id", "connector_kind", "external_identity", "credentials_ref", "status", "last_sync_at", "created_at", "updated_at")
	return repo
}

func (s *AccountStore) Create(ctx context.Context, data *types.ConnectedAccount) error {
	now := time.Now().Unix()
	if data.CreatedAt == 0 {
		data.CreatedAt = now
	}
	data.UpdatedAt = now
	query := sq.Insert(s.GetTable()).
		Columns(s.GetAllColumns()...).
		Values(data.ID, data.TenantID, data.UserID, data.ConnectorKind, data.ExternalIdentity, data.CredentialsRef, data.Status, data.LastSyncAt, data.CreatedAt, data.UpdatedAt)

	_, err := s.execQuery(ctx, query)
	return err
}

func (s *AccountStore) Get(ctx context.Context, tenantID, id string) (*types.ConnectedAccount, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id})

	var res types.ConnectedAccount
	if err := s.getQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *AccountStore) List(ctx context.Context, opts types.ListAccountsOptions) ([]*types.ConnectedAccount, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).OrderBy("id")
	if opts.TenantID != "" {
		query = query.Where(sq.Eq{"tenant_id": opts.TenantID})
	}
	if opts.Status != "" {
		query = query.Where(sq.Eq{"status": opts.Status})
	}
	if opts.ConnectorKind != "" {
		query = query.Where(sq.Eq{"connector_kind": opts.ConnectorKind})
	}

	var res []*types.ConnectedAccount
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *AccountStore) UpdateStatus(ctx context.Context, tenantID, id string, status types.AccountStatus) error {
	query := sq.Update(s.GetTable()).
		Set("status", status).
		Set("updated_at", time.Now().Unix()).
		Where(sq.Eq{"tenant_id": tenantID, "id": id})

	_, err := s.execQuery(ctx, query)
	return err
}

func (s *AccountStore) SetLastSync(ctx context.Context, tenantID, id string, at int64) error {
	query := sq.Update(s.GetTable()).
		Set("last_sync_at", at).
		Where(sq.Eq{"tenant_id": tenantID, "id": id})

	_, err := s.execQuery(ctx, query)
	return err
}

func (s *AccountStore) Delete(ctx context.Context, tenantID, id string) error {
	_, err := s.execQuery(ctx, sq.Delete(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id}))
	return err
}
