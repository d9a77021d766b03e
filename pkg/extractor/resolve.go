package extractor

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/utils"
)

const DefaultResolutionThreshold = 0.85

// CanonicalStore is what the resolver needs from storage.
type CanonicalStore interface {
	FindByNormName(ctx context.Context, tenantID string, entityTypes []types.EntityType, normName string) ([]*types.CanonicalEntity, error)
	Candidates(ctx context.Context, tenantID string, entityTypes []types.EntityType, hint string, limit int) ([]*types.CanonicalEntity, error)
	CreateCanonical(ctx context.Context, c *types.CanonicalEntity) error
	UpdateCanonical(ctx context.Context, c *types.CanonicalEntity) error
	Bind(ctx context.Context, tenantID, entityID, canonicalID string) error
}

// MatchKind records which rule bound an entity.
type MatchKind string

const (
	MATCH_NONE  MatchKind = "none"
	MATCH_EXACT MatchKind = "exact"
	MATCH_FUZZY MatchKind = "fuzzy"
	MATCH_NEW   MatchKind = "new"
)

// comparableProps are the properties whose equality is evidence of identity.
var comparableProps = []string{"email", "username", "full_name", "url", "path", "qualified_name", "key"}

const lockStripes = 64

// Resolver binds entities to canonical entities: exact normalized name within
// compatible types first, then trigram similarity plus property overlap above
// the threshold, otherwise a new canonical seeded from the entity.
type Resolver struct {
	store     CanonicalStore
	threshold float64
	// find-then-create must not interleave for the same name
	locks [lockStripes]sync.Mutex
}

func NewResolver(store CanonicalStore, threshold float64) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultResolutionThreshold
	}
	return &Resolver{store: store, threshold: threshold}
}

func (r *Resolver) Threshold() float64 {
	return r.threshold
}

// compatibleTypes lists the canonical types an entity of type t may join.
// Code references resolve against concrete definitions and vice versa.
func compatibleTypes(t types.EntityType) []types.EntityType {
	switch t {
	case types.ENTITY_CODE_ENTITY:
		return []types.EntityType{types.ENTITY_CODE_ENTITY, types.ENTITY_FUNCTION, types.ENTITY_CLASS, types.ENTITY_MODULE, types.ENTITY_API}
	case types.ENTITY_FUNCTION, types.ENTITY_CLASS, types.ENTITY_MODULE, types.ENTITY_API:
		return []types.EntityType{t, types.ENTITY_CODE_ENTITY}
	}
	return []types.EntityType{t}
}

func (r *Resolver) lock(tenantID, norm string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(norm))
	return &r.locks[h.Sum32()%lockStripes]
}

// Resolve binds e and returns the canonical id. An entity that already has a
// canonical is left untouched.
func (r *Resolver) Resolve(ctx context.Context, e *types.Entity) (string, MatchKind, error) {
	if e.CanonicalID != "" {
		return e.CanonicalID, MATCH_NONE, nil
	}
	norm := utils.NormalizeName(e.Name)
	if norm == "" {
		return "", MATCH_NONE, nil
	}
	mu := r.lock(e.TenantID, norm)
	mu.Lock()
	defer mu.Unlock()

	candidateTypes := compatibleTypes(e.EntityType)
	exact, err := r.store.FindByNormName(ctx, e.TenantID, candidateTypes, norm)
	if err != nil {
		return "", MATCH_NONE, errors.Trace("Resolver.FindByNormName", err)
	}
	if target := preferType(exact, e.EntityType); target != nil {
		return r.bind(ctx, e, target, 1, MATCH_EXACT)
	}

	candidates, err := r.store.Candidates(ctx, e.TenantID, candidateTypes, norm, 10)
	if err != nil {
		return "", MATCH_NONE, errors.Trace("Resolver.Candidates", err)
	}
	var (
		best      *types.CanonicalEntity
		bestScore float64
	)
	for _, c := range candidates {
		if s := Similarity(e, c); s > bestScore {
			best, bestScore = c, s
		}
	}
	if best != nil && bestScore >= r.threshold {
		return r.bind(ctx, e, best, bestScore, MATCH_FUZZY)
	}

	c := &types.CanonicalEntity{
		ID:         types.CanonicalID(e.TenantID, e.ID),
		TenantID:   e.TenantID,
		EntityType: e.EntityType,
		Name:       e.Name,
		NormName:   norm,
		Properties: e.Properties.Clone(),
		Confidence: 1,
	}
	if err = r.store.CreateCanonical(ctx, c); err != nil {
		return "", MATCH_NONE, errors.Trace("Resolver.CreateCanonical", err)
	}
	if err = r.store.Bind(ctx, e.TenantID, e.ID, c.ID); err != nil {
		return "", MATCH_NONE, errors.Trace("Resolver.Bind", err)
	}
	e.CanonicalID = c.ID
	return c.ID, MATCH_NEW, nil
}

func (r *Resolver) bind(ctx context.Context, e *types.Entity, c *types.CanonicalEntity, score float64, kind MatchKind) (string, MatchKind, error) {
	c.Properties = c.Properties.Merge(e.Properties)
	c.Confidence = min(c.Confidence, score)
	// a concrete definition is a better representative than a bare reference
	if c.EntityType == types.ENTITY_CODE_ENTITY && e.EntityType != types.ENTITY_CODE_ENTITY {
		c.EntityType = e.EntityType
		c.Name = e.Name
	}
	if err := r.store.UpdateCanonical(ctx, c); err != nil {
		return "", MATCH_NONE, errors.Trace("Resolver.UpdateCanonical", err)
	}
	if err := r.store.Bind(ctx, e.TenantID, e.ID, c.ID); err != nil {
		return "", MATCH_NONE, errors.Trace("Resolver.Bind", err)
	}
	e.CanonicalID = c.ID
	slog.Debug("entity resolved", slog.String("entity_id", e.ID), slog.String("canonical_id", c.ID),
		slog.String("match", string(kind)), slog.Float64("score", score))
	return c.ID, kind, nil
}

// ResolveAll resolves every entity and stops at the first storage error.
func (r *Resolver) ResolveAll(ctx context.Context, entities []*types.Entity) error {
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return errors.Trace("Resolver.ResolveAll", err)
		}
		if _, _, err := r.Resolve(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func preferType(list []*types.CanonicalEntity, t types.EntityType) *types.CanonicalEntity {
	if len(list) == 0 {
		return nil
	}
	for _, c := range list {
		if c.EntityType == t {
			return c
		}
	}
	return list[0]
}

// Similarity scores an entity against a canonical. Name similarity dominates;
// shared identity properties add evidence and an equal e-mail is decisive.
func Similarity(e *types.Entity, c *types.CanonicalEntity) float64 {
	name := utils.TrigramSimilarity(utils.NormalizeName(e.Name), c.NormName)
	if email := e.Properties.String("email"); email != "" && email == c.Properties.String("email") {
		return 1
	}
	shared, equal := 0, 0
	for _, k := range comparableProps {
		a, b := e.Properties.String(k), c.Properties.String(k)
		if a == "" || b == "" {
			continue
		}
		shared++
		if utils.NormalizeName(a) == utils.NormalizeName(b) {
			equal++
		}
	}
	if shared == 0 {
		return name
	}
	return 0.8*name + 0.2*float64(equal)/float64(shared)
}
