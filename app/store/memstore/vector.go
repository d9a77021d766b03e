package memstore

import (
	"context"
	"math"
	"sort"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

type VectorStore struct {
	p *Provider
}

func (s *VectorStore) GetTable(...interface{}) string {
	return types.TABLE_VECTORS.Name()
}

func (s *VectorStore) Upsert(ctx context.Context, records []*types.VectorRecord) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for _, r := range records {
		cp := *r
		cp.Embedding = append([]float32(nil), r.Embedding...)
		s.p.vectors[r.ChunkID] = &cp
	}
	return nil
}

func (s *VectorStore) Search(ctx context.Context, vector []float32, topK int, filter types.VectorFilter) ([]*types.VectorHit, error) {
	if filter.TenantID == "" {
		return nil, errors.NewKind("VectorStore.Search", errors.KindInvalid, "tenant_id is required", nil)
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var hits []*types.VectorHit
	for id, r := range s.p.vectors {
		if !filter.Match(r.Payload) {
			continue
		}
		hits = append(hits, &types.VectorHit{
			ChunkID: id,
			Score:   clamp01(cosine(vector, r.Embedding)),
			Payload: r.Payload,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *VectorStore) FetchByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*types.VectorRecord, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	res := make(map[string]*types.VectorRecord, len(ids))
	for _, id := range ids {
		if r, ok := s.p.vectors[id]; ok && r.Payload.TenantID == tenantID {
			cp := *r
			res[id] = &cp
		}
	}
	return res, nil
}

func (s *VectorStore) DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for _, id := range ids {
		if r, ok := s.p.vectors[id]; ok && r.Payload.TenantID == tenantID {
			delete(s.p.vectors, id)
		}
	}
	return nil
}

func (s *VectorStore) DeleteBySourceItem(ctx context.Context, tenantID, sourceItemID string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for id, r := range s.p.vectors {
		if r.Payload.TenantID == tenantID && r.Payload.SourceItemID == sourceItemID {
			delete(s.p.vectors, id)
		}
	}
	return nil
}

func (s *VectorStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for id, r := range s.p.vectors {
		if r.Payload.TenantID == tenantID && r.Payload.SourceID == sourceID {
			delete(s.p.vectors, id)
		}
	}
	return nil
}

func (s *VectorStore) Count(ctx context.Context, tenantID string) (int64, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var n int64
	for _, r := range s.p.vectors {
		if r.Payload.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
