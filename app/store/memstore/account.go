package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/quka-ai/conhub/pkg/types"
)

type AccountStore struct {
	p *Provider
}

func (s *AccountStore) GetTable(...interface{}) string {
	return types.TABLE_CONNECTED_ACCOUNTS.Name()
}

func (s *AccountStore) Create(ctx context.Context, data *types.ConnectedAccount) error {
	now := time.Now().Unix()
	if data.CreatedAt == 0 {
		data.CreatedAt = now
	}
	data.UpdatedAt = now
	cp := *data
	s.p.mu.Lock()
	s.p.accounts[data.ID] = &cp
	s.p.mu.Unlock()
	return nil
}

func (s *AccountStore) Get(ctx context.Context, tenantID, id string) (*types.ConnectedAccount, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	a, ok := s.p.accounts[id]
	if !ok || a.TenantID != tenantID {
		return nil, notFound()
	}
	cp := *a
	return &cp, nil
}

func (s *AccountStore) List(ctx context.Context, opts types.ListAccountsOptions) ([]*types.ConnectedAccount, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.ConnectedAccount
	for _, a := range s.p.accounts {
		if opts.TenantID != "" && a.TenantID != opts.TenantID {
			continue
		}
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		if opts.ConnectorKind != "" && a.ConnectorKind != opts.ConnectorKind {
			continue
		}
		cp := *a
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *AccountStore) UpdateStatus(ctx context.Context, tenantID, id string, status types.AccountStatus) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	a, ok := s.p.accounts[id]
	if !ok || a.TenantID != tenantID {
		return notFound()
	}
	a.Status = status
	a.UpdatedAt = time.Now().Unix()
	return nil
}

func (s *AccountStore) SetLastSync(ctx context.Context, tenantID, id string, at int64) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	a, ok := s.p.accounts[id]
	if !ok || a.TenantID != tenantID {
		return notFound()
	}
	a.LastSyncAt = at
	return nil
}

func (s *AccountStore) Delete(ctx context.Context, tenantID, id string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if a, ok := s.p.accounts[id]; ok && a.TenantID == tenantID {
		delete(s.p.accounts, id)
	}
	return nil
}
