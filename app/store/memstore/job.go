package memstore

import (
	"context"
	"sort"

	"github.com/quka-ai/conhub/pkg/types"
)

type SyncJobStore struct {
	p *Provider
}

func (s *SyncJobStore) GetTable(...interface{}) string {
	return types.TABLE_SYNC_JOBS_ARCHIVE.Name()
}

func (s *SyncJobStore) Save(ctx context.Context, job *types.SyncJob) error {
	cp := *job
	s.p.mu.Lock()
	s.p.jobs[job.JobID] = &cp
	s.p.mu.Unlock()
	return nil
}

func (s *SyncJobStore) Get(ctx context.Context, tenantID, jobID string) (*types.SyncJob, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	j, ok := s.p.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, notFound()
	}
	cp := *j
	return &cp, nil
}

func (s *SyncJobStore) ListByAccount(ctx context.Context, tenantID, accountID string, limit uint64) ([]*types.SyncJob, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.SyncJob
	for _, j := range s.p.jobs {
		if j.TenantID == tenantID && j.AccountID == accountID {
			cp := *j
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartedAt > res[j].StartedAt })
	if limit > 0 && uint64(len(res)) > limit {
		res = res[:limit]
	}
	return res, nil
}
