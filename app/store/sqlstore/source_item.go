package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/quka-ai/conhub/pkg/register"
	"github.com/quka-ai/conhub/pkg/types"
)

func init() {
	register.RegisterFunc[*Provider](RegisterKey{}, func(provider *Provider) {
		provider.stores.SourceItemStore = NewSourceItemStore(provider)
	})
}

type SourceItemStore struct {
	CommonFields
}

func NewSourceItemStore(provider SqlProviderAchieve) *SourceItemStore {
	repo := &SourceItemStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_SOURCE_ITEMS)
	repo.SetAllColumns("id", "tenant_id", "source_id", "external_id", "kind", "content_fingerprint", "metadata", "updated_at")
	return repo
}

func (s *SourceItemStore) Upsert(ctx context.Context, data *types.SourceItem) error {
	data.UpdatedAt = time.Now().Unix()
	query := sq.Insert(s.GetTable()).
		Columns(s.GetAllColumns()...).
		Values(data.ID, data.TenantID, data.SourceID, data.ExternalID, data.Kind, data.ContentFingerprint, data.Metadata, data.UpdatedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET content_fingerprint = EXCLUDED.content_fingerprint, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at")

	_, err := s.execQuery(ctx, query)
	return err
}

func (s *SourceItemStore) Get(ctx context.Context, tenantID, id string) (*types.SourceItem, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id})

	var res types.SourceItem
	if err := s.getQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *SourceItemStore) Fingerprint(ctx context.Context, tenantID, id string) (string, error) {
	query := sq.Select("content_fingerprint").From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id})

	var fp string
	if err := s.getQuery(ctx, &fp, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return fp, nil
}

func (s *SourceItemStore) ListIDsBySource(ctx context.Context, tenantID, sourceID string) ([]string, error) {
	query := sq.Select("id").From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "source_id": sourceID}).OrderBy("id")

	var res []string
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SourceItemStore) Delete(ctx context.Context, tenantID, id string) error {
	_, err := s.execQuery(ctx, sq.Delete(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "id": id}))
	return err
}

func (s *SourceItemStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	_, err := s.execQuery(ctx, sq.Delete(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "source_id": sourceID}))
	return err
}
