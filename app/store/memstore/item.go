package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/quka-ai/conhub/pkg/types"
)

type SourceItemStore struct {
	p *Provider
}

func (s *SourceItemStore) GetTable(...interface{}) string {
	return types.TABLE_SOURCE_ITEMS.Name()
}

// Upsert persists the row only; content is never stored here.
func (s *SourceItemStore) Upsert(ctx context.Context, data *types.SourceItem) error {
	row := &types.SourceItem{
		ID:                 data.ID,
		TenantID:           data.TenantID,
		SourceID:           data.SourceID,
		ExternalID:         data.ExternalID,
		Kind:               data.Kind,
		ContentFingerprint: data.ContentFingerprint,
		Metadata:           data.Metadata.Clone(),
		UpdatedAt:          time.Now().Unix(),
	}
	s.p.mu.Lock()
	s.p.items[data.ID] = row
	s.p.mu.Unlock()
	return nil
}

func (s *SourceItemStore) Get(ctx context.Context, tenantID, id string) (*types.SourceItem, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	it, ok := s.p.items[id]
	if !ok || it.TenantID != tenantID {
		return nil, notFound()
	}
	cp := *it
	cp.Metadata = it.Metadata.Clone()
	return &cp, nil
}

func (s *SourceItemStore) Fingerprint(ctx context.Context, tenantID, id string) (string, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	it, ok := s.p.items[id]
	if !ok || it.TenantID != tenantID {
		return "", nil
	}
	return it.ContentFingerprint, nil
}

func (s *SourceItemStore) ListIDsBySource(ctx context.Context, tenantID, sourceID string) ([]string, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var ids []string
	for id, it := range s.p.items {
		if it.TenantID == tenantID && it.SourceID == sourceID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SourceItemStore) Delete(ctx context.Context, tenantID, id string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if it, ok := s.p.items[id]; ok && it.TenantID == tenantID {
		delete(s.p.items, id)
	}
	return nil
}

func (s *SourceItemStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for id, it := range s.p.items {
		if it.TenantID == tenantID && it.SourceID == sourceID {
			delete(s.p.items, id)
		}
	}
	return nil
}
