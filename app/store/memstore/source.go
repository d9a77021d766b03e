package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/quka-ai/conhub/pkg/types"
)

type SourceStore struct {
	p *Provider
}

func (s *SourceStore) GetTable(...interface{}) string {
	return types.TABLE_SOURCES.Name()
}

func (s *SourceStore) Create(ctx context.Context, data *types.Source) error {
	now := time.Now().Unix()
	if data.CreatedAt == 0 {
		data.CreatedAt = now
	}
	data.UpdatedAt = now
	cp := *data
	cp.Config = data.Config.Clone()
	s.p.mu.Lock()
	s.p.sources[data.ID] = &cp
	s.p.mu.Unlock()
	return nil
}

func (s *SourceStore) Get(ctx context.Context, tenantID, id string) (*types.Source, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	src, ok := s.p.sources[id]
	if !ok || src.TenantID != tenantID {
		return nil, notFound()
	}
	cp := *src
	cp.Config = src.Config.Clone()
	return &cp, nil
}

func (s *SourceStore) ListByAccount(ctx context.Context, tenantID, accountID string) ([]*types.Source, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.Source
	for _, src := range s.p.sources {
		if src.TenantID != tenantID || src.AccountID != accountID {
			continue
		}
		cp := *src
		cp.Config = src.Config.Clone()
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *SourceStore) UpdateCursor(ctx context.Context, tenantID, id, cursor string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	src, ok := s.p.sources[id]
	if !ok || src.TenantID != tenantID {
		return notFound()
	}
	src.Cursor = cursor
	src.UpdatedAt = time.Now().Unix()
	return nil
}

func (s *SourceStore) Delete(ctx context.Context, tenantID, id string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if src, ok := s.p.sources[id]; ok && src.TenantID == tenantID {
		delete(s.p.sources, id)
	}
	return nil
}
