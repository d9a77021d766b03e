package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/quka-ai/conhub/pkg/types"
)

type ChunkStore struct {
	p *Provider
}

func (s *ChunkStore) GetTable(...interface{}) string {
	return types.TABLE_CHUNKS.Name()
}

func copyChunk(c *types.Chunk) *types.Chunk {
	cp := *c
	cp.Metadata = c.Metadata.Clone()
	return &cp
}

func (s *ChunkStore) UpsertMany(ctx context.Context, chunks []*types.Chunk) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	now := time.Now().Unix()
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for _, c := range chunks {
		row := copyChunk(c)
		row.UpdatedAt = now
		if old, ok := s.p.chunks[c.ChunkID]; ok {
			row.CreatedAt = old.CreatedAt
			row.IndexedHash = old.IndexedHash
		} else if row.CreatedAt == 0 {
			row.CreatedAt = now
		}
		s.p.chunks[c.ChunkID] = row
	}
	return nil
}

// deleteWhere removes matching chunks together with their evidence rows.
// Callers hold the write lock.
func (s *ChunkStore) deleteWhere(match func(*types.Chunk) bool) []string {
	var ids []string
	for id, c := range s.p.chunks {
		if match(c) {
			ids = append(ids, id)
			delete(s.p.chunks, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	set := idSet(ids)
	for k := range s.p.entityEv {
		if _, ok := set[k.chunkID]; ok {
			delete(s.p.entityEv, k)
		}
	}
	for k := range s.p.relEv {
		if _, ok := set[k.chunkID]; ok {
			delete(s.p.relEv, k)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *ChunkStore) DeleteBySourceItem(ctx context.Context, tenantID, sourceItemID string) ([]string, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.deleteWhere(func(c *types.Chunk) bool {
		return c.TenantID == tenantID && c.SourceItemID == sourceItemID
	}), nil
}

func (s *ChunkStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) ([]string, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.deleteWhere(func(c *types.Chunk) bool {
		return c.TenantID == tenantID && c.SourceID == sourceID
	}), nil
}

func (s *ChunkStore) DeleteFromIndex(ctx context.Context, tenantID, sourceItemID string, fromIndex int) ([]string, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.deleteWhere(func(c *types.Chunk) bool {
		return c.TenantID == tenantID && c.SourceItemID == sourceItemID && c.ChunkIndex >= fromIndex
	}), nil
}

func (s *ChunkStore) FetchByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*types.Chunk, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	res := make(map[string]*types.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := s.p.chunks[id]; ok && c.TenantID == tenantID {
			res[id] = copyChunk(c)
		}
	}
	return res, nil
}

func (s *ChunkStore) fetchByEvidence(ev map[evidenceKey]string, tenantID string, targetIDs []string, limit int) []*types.Chunk {
	targets := idSet(targetIDs)
	seen := map[string]struct{}{}
	var res []*types.Chunk
	for k, tenant := range ev {
		if tenant != tenantID {
			continue
		}
		if _, ok := targets[k.targetID]; !ok {
			continue
		}
		if _, ok := seen[k.chunkID]; ok {
			continue
		}
		seen[k.chunkID] = struct{}{}
		if c, ok := s.p.chunks[k.chunkID]; ok && c.TenantID == tenantID {
			res = append(res, copyChunk(c))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ChunkID < res[j].ChunkID })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

func (s *ChunkStore) FetchByEntityIDs(ctx context.Context, tenantID string, entityIDs []string, limit int) ([]*types.Chunk, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	return s.fetchByEvidence(s.p.entityEv, tenantID, entityIDs, limit), nil
}

func (s *ChunkStore) FetchByRelationshipIDs(ctx context.Context, tenantID string, relationshipIDs []string, limit int) ([]*types.Chunk, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	return s.fetchByEvidence(s.p.relEv, tenantID, relationshipIDs, limit), nil
}

func (s *ChunkStore) ContentChanged(ctx context.Context, chunkID, newHash string) (bool, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	c, ok := s.p.chunks[chunkID]
	if !ok {
		return true, nil
	}
	return c.ContentHash != newHash, nil
}

func (s *ChunkStore) Hashes(ctx context.Context, tenantID string, ids []string) (map[string]types.ChunkHashes, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	res := make(map[string]types.ChunkHashes, len(ids))
	for _, id := range ids {
		if c, ok := s.p.chunks[id]; ok && c.TenantID == tenantID {
			res[id] = types.ChunkHashes{Content: c.ContentHash, Indexed: c.IndexedHash}
		}
	}
	return res, nil
}

func (s *ChunkStore) MarkIndexed(ctx context.Context, tenantID string, ids []string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for _, id := range ids {
		if c, ok := s.p.chunks[id]; ok && c.TenantID == tenantID {
			c.IndexedHash = c.ContentHash
		}
	}
	return nil
}

func (s *ChunkStore) ListBySourceItem(ctx context.Context, tenantID, sourceItemID string) ([]*types.Chunk, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.Chunk
	for _, c := range s.p.chunks {
		if c.TenantID == tenantID && c.SourceItemID == sourceItemID {
			res = append(res, copyChunk(c))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ChunkIndex < res[j].ChunkIndex })
	return res, nil
}

func (s *ChunkStore) Count(ctx context.Context, tenantID string) (int64, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var n int64
	for _, c := range s.p.chunks {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}
