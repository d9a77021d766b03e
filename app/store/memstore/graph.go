package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/utils"
)

type EntityStore struct {
	p *Provider
}

func (s *EntityStore) GetTable(...interface{}) string {
	return types.TABLE_ENTITIES.Name()
}

func copyEntity(e *types.Entity) *types.Entity {
	cp := *e
	cp.Properties = e.Properties.Clone()
	return &cp
}

func (s *EntityStore) Upsert(ctx context.Context, data *types.Entity) error {
	id := data.EnsureID()
	now := time.Now().Unix()
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if old, ok := s.p.entities[id]; ok {
		old.Name = data.Name
		old.EntityType = data.EntityType
		old.Properties = data.Properties.Clone().Merge(old.Properties)
		if data.CanonicalID != "" {
			old.CanonicalID = data.CanonicalID
		}
		old.UpdatedAt = now
		data.CanonicalID = old.CanonicalID
		return nil
	}
	row := copyEntity(data)
	row.CreatedAt, row.UpdatedAt = now, now
	s.p.entities[id] = row
	return nil
}

func (s *EntityStore) Get(ctx context.Context, tenantID, id string) (*types.Entity, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	e, ok := s.p.entities[id]
	if !ok || e.TenantID != tenantID {
		return nil, notFound()
	}
	return copyEntity(e), nil
}

func (s *EntityStore) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*types.Entity, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.Entity
	for _, id := range ids {
		if e, ok := s.p.entities[id]; ok && e.TenantID == tenantID {
			res = append(res, copyEntity(e))
		}
	}
	return res, nil
}

func (s *EntityStore) SearchByName(ctx context.Context, tenantID string, terms []string, entityTypes []types.EntityType, limit int) ([]*types.Entity, error) {
	typeSet := map[types.EntityType]struct{}{}
	for _, t := range entityTypes {
		typeSet[t] = struct{}{}
	}
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	if len(lowered) == 0 {
		return nil, nil
	}

	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.Entity
	for _, e := range s.p.entities {
		if e.TenantID != tenantID {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[e.EntityType]; !ok {
				continue
			}
		}
		name := strings.ToLower(e.Name)
		for _, t := range lowered {
			if strings.Contains(name, t) {
				res = append(res, copyEntity(e))
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if len(res[i].Name) != len(res[j].Name) {
			return len(res[i].Name) < len(res[j].Name)
		}
		return res[i].ID < res[j].ID
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *EntityStore) SetCanonical(ctx context.Context, tenantID, entityID, canonicalID string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	e, ok := s.p.entities[entityID]
	if !ok || e.TenantID != tenantID {
		return notFound()
	}
	e.CanonicalID = canonicalID
	return nil
}

func (s *EntityStore) ListByCanonical(ctx context.Context, tenantID, canonicalID string) ([]*types.Entity, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.Entity
	for _, e := range s.p.entities {
		if e.TenantID == tenantID && e.CanonicalID == canonicalID {
			res = append(res, copyEntity(e))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// DeleteOrphans also drops relationships that touch a removed entity.
func (s *EntityStore) DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	evidenced := map[string]struct{}{}
	for k := range s.p.entityEv {
		evidenced[k.targetID] = struct{}{}
	}
	var removed []string
	for id, e := range s.p.entities {
		if _, ok := evidenced[id]; !ok && e.UpdatedAt <= cutoff {
			removed = append(removed, id)
			delete(s.p.entities, id)
		}
	}
	gone := idSet(removed)
	for id, r := range s.p.relationships {
		_, from := gone[r.FromEntity]
		_, to := gone[r.ToEntity]
		if from || to {
			delete(s.p.relationships, id)
			for k := range s.p.relEv {
				if k.targetID == id {
					delete(s.p.relEv, k)
				}
			}
		}
	}
	sort.Strings(removed)
	return removed, nil
}

type CanonicalEntityStore struct {
	p *Provider
}

func (s *CanonicalEntityStore) GetTable(...interface{}) string {
	return types.TABLE_CANONICAL_ENTITIES.Name()
}

func copyCanonical(c *types.CanonicalEntity) *types.CanonicalEntity {
	cp := *c
	cp.Properties = c.Properties.Clone()
	return &cp
}

func (s *CanonicalEntityStore) Create(ctx context.Context, data *types.CanonicalEntity) error {
	now := time.Now().Unix()
	data.CreatedAt, data.UpdatedAt = now, now
	if data.NormName == "" {
		data.NormName = utils.NormalizeName(data.Name)
	}
	s.p.mu.Lock()
	s.p.canonicals[data.ID] = copyCanonical(data)
	s.p.mu.Unlock()
	return nil
}

func (s *CanonicalEntityStore) Update(ctx context.Context, data *types.CanonicalEntity) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	old, ok := s.p.canonicals[data.ID]
	if !ok || old.TenantID != data.TenantID {
		return notFound()
	}
	row := copyCanonical(data)
	row.CreatedAt = old.CreatedAt
	row.UpdatedAt = time.Now().Unix()
	s.p.canonicals[data.ID] = row
	return nil
}

func (s *CanonicalEntityStore) Get(ctx context.Context, tenantID, id string) (*types.CanonicalEntity, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	c, ok := s.p.canonicals[id]
	if !ok || c.TenantID != tenantID {
		return nil, notFound()
	}
	return copyCanonical(c), nil
}

func (s *CanonicalEntityStore) filter(tenantID string, entityTypes []types.EntityType, keep func(*types.CanonicalEntity) bool) []*types.CanonicalEntity {
	typeSet := map[types.EntityType]struct{}{}
	for _, t := range entityTypes {
		typeSet[t] = struct{}{}
	}
	var res []*types.CanonicalEntity
	for _, c := range s.p.canonicals {
		if c.TenantID != tenantID {
			continue
		}
		if _, ok := typeSet[c.EntityType]; len(typeSet) > 0 && !ok {
			continue
		}
		if keep(c) {
			res = append(res, copyCanonical(c))
		}
	}
	return res
}

func (s *CanonicalEntityStore) FindByNormName(ctx context.Context, tenantID string, entityTypes []types.EntityType, normName string) ([]*types.CanonicalEntity, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	res := s.filter(tenantID, entityTypes, func(c *types.CanonicalEntity) bool { return c.NormName == normName })
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *CanonicalEntityStore) Candidates(ctx context.Context, tenantID string, entityTypes []types.EntityType, hint string, limit int) ([]*types.CanonicalEntity, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	res := s.filter(tenantID, entityTypes, func(*types.CanonicalEntity) bool { return true })
	score := make(map[string]float64, len(res))
	for _, c := range res {
		score[c.ID] = utils.TrigramSimilarity(hint, c.Name)
	}
	sort.Slice(res, func(i, j int) bool {
		if score[res[i].ID] != score[res[j].ID] {
			return score[res[i].ID] > score[res[j].ID]
		}
		return res[i].ID < res[j].ID
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *CanonicalEntityStore) DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	members := map[string]struct{}{}
	for _, e := range s.p.entities {
		if e.CanonicalID != "" {
			members[e.CanonicalID] = struct{}{}
		}
	}
	var removed []string
	for id, c := range s.p.canonicals {
		if _, ok := members[id]; !ok && c.UpdatedAt <= cutoff {
			removed = append(removed, id)
			delete(s.p.canonicals, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

type RelationshipStore struct {
	p *Provider
}

func (s *RelationshipStore) GetTable(...interface{}) string {
	return types.TABLE_RELATIONSHIPS.Name()
}

func copyRelationship(r *types.Relationship) *types.Relationship {
	cp := *r
	cp.Properties = r.Properties.Clone()
	return &cp
}

func (s *RelationshipStore) Upsert(ctx context.Context, data *types.Relationship) error {
	id := data.EnsureID()
	now := time.Now().Unix()
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if old, ok := s.p.relationships[id]; ok {
		if data.Weight > old.Weight {
			old.Weight = data.Weight
		}
		old.Properties = data.Properties.Clone().Merge(old.Properties)
		old.UpdatedAt = now
		return nil
	}
	row := copyRelationship(data)
	row.CreatedAt, row.UpdatedAt = now, now
	s.p.relationships[id] = row
	return nil
}

func (s *RelationshipStore) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*types.Relationship, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.Relationship
	for _, id := range ids {
		if r, ok := s.p.relationships[id]; ok && r.TenantID == tenantID {
			res = append(res, copyRelationship(r))
		}
	}
	return res, nil
}

func (s *RelationshipStore) ListByEntities(ctx context.Context, tenantID string, entityIDs []string, relTypes []types.RelType) ([]*types.Relationship, error) {
	ents := idSet(entityIDs)
	rels := map[types.RelType]struct{}{}
	for _, t := range relTypes {
		rels[t] = struct{}{}
	}
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	var res []*types.Relationship
	for _, r := range s.p.relationships {
		if r.TenantID != tenantID {
			continue
		}
		if _, ok := rels[r.RelType]; len(rels) > 0 && !ok {
			continue
		}
		_, from := ents[r.FromEntity]
		_, to := ents[r.ToEntity]
		if from || to {
			res = append(res, copyRelationship(r))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *RelationshipStore) DeleteOrphans(ctx context.Context, cutoff int64) ([]string, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	evidenced := map[string]struct{}{}
	for k := range s.p.relEv {
		evidenced[k.targetID] = struct{}{}
	}
	var removed []string
	for id, r := range s.p.relationships {
		if _, ok := evidenced[id]; !ok && r.UpdatedAt <= cutoff {
			removed = append(removed, id)
			delete(s.p.relationships, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

type EvidenceStore struct {
	p *Provider
}

func (s *EvidenceStore) GetTable(...interface{}) string {
	return types.TABLE_ENTITY_EVIDENCE.Name()
}

func (s *EvidenceStore) AddEntityEvidence(ctx context.Context, evidence []types.EntityEvidence) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for _, ev := range evidence {
		s.p.entityEv[evidenceKey{chunkID: ev.ChunkID, targetID: ev.EntityID}] = ev.TenantID
	}
	return nil
}

func (s *EvidenceStore) AddRelationshipEvidence(ctx context.Context, evidence []types.RelationshipEvidence) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for _, ev := range evidence {
		s.p.relEv[evidenceKey{chunkID: ev.ChunkID, targetID: ev.RelationshipID}] = ev.TenantID
	}
	return nil
}

func (s *EvidenceStore) DeleteByChunkIDs(ctx context.Context, tenantID string, chunkIDs []string) error {
	chunks := idSet(chunkIDs)
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	for _, ev := range []map[evidenceKey]string{s.p.entityEv, s.p.relEv} {
		for k, tenant := range ev {
			if _, ok := chunks[k.chunkID]; ok && tenant == tenantID {
				delete(ev, k)
			}
		}
	}
	return nil
}

// collect groups evidence rows by from(key) -> to(key), sorted.
func collect(ev map[evidenceKey]string, tenantID string, ids []string, byChunk bool) map[string][]string {
	want := idSet(ids)
	res := map[string][]string{}
	for k, tenant := range ev {
		if tenant != tenantID {
			continue
		}
		from, to := k.targetID, k.chunkID
		if byChunk {
			from, to = k.chunkID, k.targetID
		}
		if _, ok := want[from]; ok {
			res[from] = append(res[from], to)
		}
	}
	for k := range res {
		sort.Strings(res[k])
	}
	return res
}

func (s *EvidenceStore) EntitiesForChunks(ctx context.Context, tenantID string, chunkIDs []string) (map[string][]string, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	return collect(s.p.entityEv, tenantID, chunkIDs, true), nil
}

func (s *EvidenceStore) ChunksForEntities(ctx context.Context, tenantID string, entityIDs []string) (map[string][]string, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	return collect(s.p.entityEv, tenantID, entityIDs, false), nil
}

func (s *EvidenceStore) ChunksForRelationships(ctx context.Context, tenantID string, relationshipIDs []string) (map[string][]string, error) {
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	return collect(s.p.relEv, tenantID, relationshipIDs, false), nil
}
