package sqlstore

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/quka-ai/conhub/pkg/register"
	"github.com/quka-ai/conhub/pkg/types"
)

func init() {
	register.RegisterFunc[*Provider](RegisterKey{}, func(provider *Provider) {
		provider.stores.SyncJobStore = NewSyncJobStore(provider)
	})
}

type SyncJobStore struct {
	CommonFields
}

func NewSyncJobStore(provider SqlProviderAchieve) *SyncJobStore {
	repo := &SyncJobStore{}
	repo.SetProvider(provider)
	repo.SetTable(types.TABLE_SYNC_JOBS_ARCHIVE)
	repo.SetAllColumns("job_id", "tenant_id", "account_id", "status", "force_full", "started_at", "finished_at", "total_items",
		"items_processed", "items_unchanged", "items_failed", "items_deleted", "chunks_indexed", "error", "error_kind")
	return repo
}

func (s *SyncJobStore) Save(ctx context.Context, job *types.SyncJob) error {
	query := sq.Insert(s.GetTable()).
		Columns(s.GetAllColumns()...).
		Values(job.JobID, job.TenantID, job.AccountID, job.Status, job.ForceFull, job.StartedAt, job.FinishedAt, job.TotalItems,
			job.ItemsProcessed, job.ItemsUnchanged, job.ItemsFailed, job.ItemsDeleted, job.ChunksIndexed, job.Error, job.ErrorKind).
		Suffix("ON CONFLICT (job_id) DO UPDATE SET status = EXCLUDED.status, finished_at = EXCLUDED.finished_at, total_items = EXCLUDED.total_items, " +
			"items_processed = EXCLUDED.items_processed, items_unchanged = EXCLUDED.items_unchanged, items_failed = EXCLUDED.items_failed, " +
			"items_deleted = EXCLUDED.items_deleted, chunks_indexed = EXCLUDED.chunks_indexed, error = EXCLUDED.error, error_kind = EXCLUDED.error_kind")
	_, err := s.execQuery(ctx, query)
	return err
}

func (s *SyncJobStore) Get(ctx context.Context, tenantID, jobID string) (*types.SyncJob, error) {
	var res types.SyncJob
	if err := s.getQuery(ctx, &res, sq.Select(s.GetAllColumns()...).From(s.GetTable()).Where(sq.Eq{"tenant_id": tenantID, "job_id": jobID})); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *SyncJobStore) ListByAccount(ctx context.Context, tenantID, accountID string, limit uint64) ([]*types.SyncJob, error) {
	query := sq.Select(s.GetAllColumns()...).From(s.GetTable()).
		Where(sq.Eq{"tenant_id": tenantID, "account_id": accountID}).
		OrderBy("started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var res []*types.SyncJob
	if err := s.selectQuery(ctx, &res, query); err != nil {
		return nil, err
	}
	return res, nil
}
