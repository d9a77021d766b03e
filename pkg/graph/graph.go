package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

// Backend is the relational view of the graph: entities, relationships and
// the evidence edges that tie both to chunks.
type Backend interface {
	SearchEntities(ctx context.Context, tenantID string, terms []string, entityTypes []types.EntityType, limit int) ([]*types.Entity, error)
	GetEntities(ctx context.Context, tenantID string, ids []string) ([]*types.Entity, error)
	Relationships(ctx context.Context, tenantID string, entityIDs []string, relTypes []types.RelType) ([]*types.Relationship, error)
	EntitiesForChunks(ctx context.Context, tenantID string, chunkIDs []string) (map[string][]string, error)
	ChunksForEntities(ctx context.Context, tenantID string, entityIDs []string) (map[string][]string, error)
	ChunksForRelationships(ctx context.Context, tenantID string, relationshipIDs []string) (map[string][]string, error)
	UpsertEntity(ctx context.Context, e *types.Entity) error
	UpsertRelationship(ctx context.Context, r *types.Relationship) error
	AddEvidence(ctx context.Context, entities []types.EntityEvidence, relationships []types.RelationshipEvidence) error
	DeleteEvidence(ctx context.Context, tenantID string, chunkIDs []string) error
	// DeleteOrphans only considers rows last updated at or before cutoff (unix seconds).
	DeleteOrphans(ctx context.Context, cutoff int64) (GCStats, error)
	Transaction(ctx context.Context, next func(ctx context.Context) error) error
}

// Mirror receives a copy of every graph write. A mirror failure fails the
// write so the chunks are indexed again.
type Mirror interface {
	MirrorExtraction(ctx context.Context, tenantID string, ex *types.Extraction) error
	DropChunks(ctx context.Context, tenantID string, chunkIDs []string) error
	DropOrphans(ctx context.Context, stats GCStats) error
}

// Searcher serves search and expansion from a dedicated graph database.
type Searcher interface {
	Search(ctx context.Context, terms []string, filter types.GraphFilter, topK int) ([]*types.GraphHit, error)
	Expand(ctx context.Context, tenantID string, seedChunkIDs []string, maxHops int, relTypes []types.RelType, maxNodes int) ([]*types.GraphHit, error)
}

type GCStats struct {
	Entities      []string `json:"entities"`
	Relationships []string `json:"relationships"`
	Canonicals    []string `json:"canonicals"`
}

// DefaultGCGrace keeps rows touched this recently out of GC, so writes on
// other replicas finish before their entities can look orphaned.
const DefaultGCGrace = 10 * time.Minute

type Graph struct {
	backend  Backend
	mirror   Mirror
	searcher Searcher
	gcGrace  time.Duration

	// writes share it, GC takes it exclusively
	mu sync.RWMutex
}

type Option func(g *Graph)

func WithGCGrace(d time.Duration) Option {
	return func(g *Graph) {
		g.gcGrace = d
	}
}

func WithMirror(m Mirror) Option {
	return func(g *Graph) {
		g.mirror = m
	}
}

// WithSearcher routes Search and Expand to s; the backend BFS stays the fallback.
func WithSearcher(s Searcher) Option {
	return func(g *Graph) {
		g.searcher = s
	}
}

func New(backend Backend, opts ...Option) *Graph {
	g := &Graph{backend: backend, gcGrace: DefaultGCGrace}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Hold keeps GC out until release is called.
func (g *Graph) Hold() (release func()) {
	g.mu.RLock()
	return g.mu.RUnlock
}

// Write replaces the evidence of every extracted chunk and upserts the
// entities and relationships found in it, in one transaction.
func (g *Graph) Write(ctx context.Context, tenantID string, extractions []*types.Extraction) error {
	if len(extractions) == 0 {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.backend.Transaction(ctx, func(ctx context.Context) error {
		return g.write(ctx, tenantID, extractions)
	})
}

func (g *Graph) write(ctx context.Context, tenantID string, extractions []*types.Extraction) error {
	chunkIDs := lo.Map(extractions, func(ex *types.Extraction, _ int) string { return ex.ChunkID })
	if err := g.backend.DeleteEvidence(ctx, tenantID, chunkIDs); err != nil {
		return errors.Trace("graph.Write.DeleteEvidence", err)
	}

	var (
		entityEv []types.EntityEvidence
		relEv    []types.RelationshipEvidence
	)
	for _, ex := range extractions {
		for _, e := range ex.Entities {
			e.TenantID = tenantID
			e.EnsureID()
			if err := g.backend.UpsertEntity(ctx, e); err != nil {
				return errors.Trace("graph.Write.UpsertEntity", err)
			}
			entityEv = append(entityEv, types.EntityEvidence{ChunkID: ex.ChunkID, EntityID: e.ID, TenantID: tenantID})
		}
		for _, r := range ex.Relationships {
			r.TenantID = tenantID
			r.EnsureID()
			if err := g.backend.UpsertRelationship(ctx, r); err != nil {
				return errors.Trace("graph.Write.UpsertRelationship", err)
			}
			relEv = append(relEv, types.RelationshipEvidence{ChunkID: ex.ChunkID, RelationshipID: r.ID, TenantID: tenantID})
		}
	}
	entityEv = lo.Uniq(entityEv)
	relEv = lo.Uniq(relEv)
	if err := g.backend.AddEvidence(ctx, entityEv, relEv); err != nil {
		return errors.Trace("graph.Write.AddEvidence", err)
	}

	if g.mirror == nil {
		return nil
	}
	for _, ex := range extractions {
		if err := g.mirror.MirrorExtraction(ctx, tenantID, ex); err != nil {
			slog.Warn("graph mirror write failed", slog.String("tenant_id", tenantID),
				slog.String("chunk_id", ex.ChunkID), slog.String("error", err.Error()))
			return errors.NewKind("graph.Write.Mirror", errors.KindTransient, "graph mirror write failed", err)
		}
	}
	return nil
}

// ForgetChunks drops the evidence of deleted chunks. Entities left without
// evidence are collected by GC.
func (g *Graph) ForgetChunks(ctx context.Context, tenantID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return g.backend.Transaction(ctx, func(ctx context.Context) error {
		if err := g.backend.DeleteEvidence(ctx, tenantID, chunkIDs); err != nil {
			return errors.Trace("graph.ForgetChunks", err)
		}
		if g.mirror == nil {
			return nil
		}
		if err := g.mirror.DropChunks(ctx, tenantID, chunkIDs); err != nil {
			return errors.NewKind("graph.ForgetChunks.Mirror", errors.KindTransient, "graph mirror delete failed", err)
		}
		return nil
	})
}

// GC removes relationships and entities without evidence and canonicals
// without members, sparing rows touched within the grace window.
func (g *Graph) GC(ctx context.Context) (GCStats, error) {
	return g.GCBefore(ctx, time.Now().Add(-g.gcGrace))
}

// GCBefore is GC with an explicit cutoff. It waits for running writes.
func (g *Graph) GCBefore(ctx context.Context, cutoff time.Time) (GCStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats, err := g.backend.DeleteOrphans(ctx, cutoff.Unix())
	if err != nil {
		return stats, errors.Trace("graph.GC", err)
	}
	if g.mirror != nil {
		if err = g.mirror.DropOrphans(ctx, stats); err != nil {
			return stats, errors.NewKind("graph.GC.Mirror", errors.KindTransient, "graph mirror gc failed", err)
		}
	}
	return stats, nil
}
