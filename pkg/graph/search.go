package graph

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/utils"
)

const (
	scoreExact    = 1.0
	scorePrefix   = 0.8
	scoreContains = 0.6

	// hopDecay is applied once per traversed relationship.
	hopDecay = 0.5
)

// Search matches terms against entity names and returns the chunks that
// carry evidence for the matched entities and for their direct neighbors.
func (g *Graph) Search(ctx context.Context, terms []string, filter types.GraphFilter, topK int) ([]*types.GraphHit, error) {
	if filter.TenantID == "" {
		return nil, errors.NewKind("graph.Search", errors.KindInvalid, "tenant id is required", nil)
	}
	terms = normalizeTerms(terms)
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}
	if g.searcher != nil {
		hits, err := g.searcher.Search(ctx, terms, filter, topK)
		if err == nil {
			return hits, nil
		}
		slog.Warn("graph searcher failed, falling back to relational graph",
			slog.String("tenant_id", filter.TenantID), slog.String("error", err.Error()))
	}

	matched, err := g.backend.SearchEntities(ctx, filter.TenantID, terms, filter.EntityTypes, max(topK*4, 20))
	if err != nil {
		return nil, errors.Trace("graph.Search.SearchEntities", err)
	}
	if len(matched) == 0 {
		return nil, nil
	}

	names := make(map[string]string, len(matched))
	seedScore := make(map[string]float64, len(matched))
	for _, e := range matched {
		names[e.ID] = e.Name
		seedScore[e.ID] = MatchScore(e.Name, terms)
	}
	seedIDs := lo.Keys(seedScore)

	rels, err := g.backend.Relationships(ctx, filter.TenantID, seedIDs, filter.RelTypes)
	if err != nil {
		return nil, errors.Trace("graph.Search.Relationships", err)
	}

	// Neighbors one hop away, keeping the best seed that reaches each of them.
	type reach struct {
		score float64
		seed  string
		rel   types.RelType
	}
	neighbors := map[string]reach{}
	for _, r := range rels {
		for _, pair := range [][2]string{{r.FromEntity, r.ToEntity}, {r.ToEntity, r.FromEntity}} {
			seed, other := pair[0], pair[1]
			s, ok := seedScore[seed]
			if !ok {
				continue
			}
			if _, isSeed := seedScore[other]; isSeed {
				continue
			}
			cand := reach{score: s * hopDecay, seed: seed, rel: r.RelType}
			if cur, ok := neighbors[other]; !ok || cand.score > cur.score || (cand.score == cur.score && cand.seed < cur.seed) {
				neighbors[other] = cand
			}
		}
	}
	if len(neighbors) > 0 {
		ents, err := g.backend.GetEntities(ctx, filter.TenantID, lo.Keys(neighbors))
		if err != nil {
			return nil, errors.Trace("graph.Search.GetEntities", err)
		}
		for _, e := range ents {
			names[e.ID] = e.Name
		}
	}

	collector := NewHitSet()

	chunksBySeed, err := g.backend.ChunksForEntities(ctx, filter.TenantID, seedIDs)
	if err != nil {
		return nil, errors.Trace("graph.Search.ChunksForEntities", err)
	}
	for id, chunks := range chunksBySeed {
		for _, c := range chunks {
			collector.Offer(c, seedScore[id], []string{names[id]}, 0, nil)
		}
	}

	// Chunks supporting a relationship of a seed explain the link itself.
	relByID := lo.SliceToMap(rels, func(r *types.Relationship) (string, *types.Relationship) { return r.ID, r })
	chunksByRel, err := g.backend.ChunksForRelationships(ctx, filter.TenantID, lo.Keys(relByID))
	if err != nil {
		return nil, errors.Trace("graph.Search.ChunksForRelationships", err)
	}
	for id, chunks := range chunksByRel {
		r := relByID[id]
		s := math.Max(seedScore[r.FromEntity], seedScore[r.ToEntity])
		path := []string{names[r.FromEntity], string(r.RelType), names[r.ToEntity]}
		for _, c := range chunks {
			collector.Offer(c, s, path, 0, []types.RelType{r.RelType})
		}
	}

	if len(neighbors) > 0 {
		chunksByNeighbor, err := g.backend.ChunksForEntities(ctx, filter.TenantID, lo.Keys(neighbors))
		if err != nil {
			return nil, errors.Trace("graph.Search.ChunksForNeighbors", err)
		}
		for id, chunks := range chunksByNeighbor {
			n := neighbors[id]
			path := []string{names[n.seed], string(n.rel), names[id]}
			for _, c := range chunks {
				collector.Offer(c, n.score, path, 1, []types.RelType{n.rel})
			}
		}
	}

	return collector.Top(topK), nil
}

// Expand walks at most maxHops relationships of relTypes away from the
// entities mentioned by the seed chunks and returns the other chunks that
// mention what it reached. At most maxNodes entities are visited and at most
// maxNodes chunks returned.
func (g *Graph) Expand(ctx context.Context, tenantID string, seedChunkIDs []string, maxHops int, relTypes []types.RelType, maxNodes int) ([]*types.GraphHit, error) {
	if tenantID == "" {
		return nil, errors.NewKind("graph.Expand", errors.KindInvalid, "tenant id is required", nil)
	}
	if len(seedChunkIDs) == 0 || maxNodes <= 0 {
		return nil, nil
	}
	if g.searcher != nil {
		hits, err := g.searcher.Expand(ctx, tenantID, seedChunkIDs, maxHops, relTypes, maxNodes)
		if err == nil {
			return hits, nil
		}
		slog.Warn("graph searcher expand failed, falling back to relational graph",
			slog.String("tenant_id", tenantID), slog.String("error", err.Error()))
	}

	bySeed, err := g.backend.EntitiesForChunks(ctx, tenantID, seedChunkIDs)
	if err != nil {
		return nil, errors.Trace("graph.Expand.EntitiesForChunks", err)
	}

	type visit struct {
		hop    int
		parent string
		rel    types.RelType
	}
	visited := map[string]visit{}
	var frontier []string
	for _, chunk := range seedChunkIDs {
		ids := append([]string(nil), bySeed[chunk]...)
		sort.Strings(ids)
		for _, id := range ids {
			if _, ok := visited[id]; ok || len(visited) >= maxNodes {
				continue
			}
			visited[id] = visit{}
			frontier = append(frontier, id)
		}
	}

	var traversed []*types.Relationship
	for hop := 1; hop <= maxHops && len(frontier) > 0 && len(visited) < maxNodes; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace("graph.Expand", err)
		}
		rels, err := g.backend.Relationships(ctx, tenantID, frontier, relTypes)
		if err != nil {
			return nil, errors.Trace("graph.Expand.Relationships", err)
		}
		sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
		inFrontier := lo.SliceToMap(frontier, func(id string) (string, struct{}) { return id, struct{}{} })
		var next []string
		for _, r := range rels {
			for _, pair := range [][2]string{{r.FromEntity, r.ToEntity}, {r.ToEntity, r.FromEntity}} {
				from, to := pair[0], pair[1]
				if _, ok := inFrontier[from]; !ok {
					continue
				}
				if _, ok := visited[to]; ok || len(visited) >= maxNodes {
					continue
				}
				visited[to] = visit{hop: hop, parent: from, rel: r.RelType}
				traversed = append(traversed, r)
				next = append(next, to)
			}
		}
		frontier = next
	}

	ents, err := g.backend.GetEntities(ctx, tenantID, lo.Keys(visited))
	if err != nil {
		return nil, errors.Trace("graph.Expand.GetEntities", err)
	}
	names := lo.SliceToMap(ents, func(e *types.Entity) (string, string) { return e.ID, e.Name })

	pathTo := func(id string) ([]string, []types.RelType) {
		var (
			path []string
			rels []types.RelType
		)
		for cur := id; ; {
			v := visited[cur]
			path = append([]string{names[cur]}, path...)
			if v.hop == 0 {
				break
			}
			path = append([]string{string(v.rel)}, path...)
			rels = append([]types.RelType{v.rel}, rels...)
			cur = v.parent
		}
		return path, rels
	}

	// a chunk is one step past the entity it mentions
	distanceTo := func(id string) int { return visited[id].hop + 1 }

	seeds := lo.SliceToMap(seedChunkIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	collector := NewHitSet()
	chunksByEntity, err := g.backend.ChunksForEntities(ctx, tenantID, lo.Keys(visited))
	if err != nil {
		return nil, errors.Trace("graph.Expand.ChunksForEntities", err)
	}
	for id, chunks := range chunksByEntity {
		distance := distanceTo(id)
		path, rels := pathTo(id)
		for _, c := range chunks {
			if _, ok := seeds[c]; ok {
				continue
			}
			collector.Offer(c, HopScore(distance), path, distance, rels)
		}
	}

	if len(traversed) > 0 {
		relByID := lo.SliceToMap(traversed, func(r *types.Relationship) (string, *types.Relationship) { return r.ID, r })
		chunksByRel, err := g.backend.ChunksForRelationships(ctx, tenantID, lo.Keys(relByID))
		if err != nil {
			return nil, errors.Trace("graph.Expand.ChunksForRelationships", err)
		}
		for id, chunks := range chunksByRel {
			r := relByID[id]
			end := r.ToEntity
			if visited[r.FromEntity].hop > visited[end].hop {
				end = r.FromEntity
			}
			distance := distanceTo(end)
			path, rels := pathTo(end)
			for _, c := range chunks {
				if _, ok := seeds[c]; ok {
					continue
				}
				collector.Offer(c, HopScore(distance), path, distance, rels)
			}
		}
	}

	return collector.Top(maxNodes), nil
}

// HitSet accumulates graph hits keyed by chunk id.
type HitSet struct {
	hits map[string]*types.GraphHit
}

func NewHitSet() *HitSet {
	return &HitSet{hits: map[string]*types.GraphHit{}}
}

// Offer keeps the best scoring reason per chunk; ties prefer the shorter
// distance and merge relationship types.
func (c *HitSet) Offer(chunkID string, score float64, path []string, distance int, rels []types.RelType) {
	cur, ok := c.hits[chunkID]
	if !ok || score > cur.Score || (score == cur.Score && distance < cur.Distance) {
		c.hits[chunkID] = &types.GraphHit{
			ChunkID:           chunkID,
			Score:             score,
			Path:              path,
			Distance:          distance,
			RelationshipTypes: append([]types.RelType(nil), rels...),
		}
		return
	}
	if score == cur.Score && distance == cur.Distance {
		cur.RelationshipTypes = lo.Uniq(append(cur.RelationshipTypes, rels...))
		if len(path) > len(cur.Path) {
			cur.Path = path
		}
	}
}

func (c *HitSet) Top(k int) []*types.GraphHit {
	out := lo.Values(c.hits)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// HopScore is the score of a chunk reached distance relationships away.
func HopScore(distance int) float64 {
	return math.Pow(hopDecay, float64(distance))
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return lo.Uniq(out)
}

// MatchScore grades how well name matches the best of terms.
func MatchScore(name string, terms []string) float64 {
	n := strings.ToLower(name)
	norm := utils.NormalizeName(name)
	best := 0.0
	for _, t := range terms {
		switch {
		case n == t || norm == utils.NormalizeName(t):
			best = math.Max(best, scoreExact)
		case strings.HasPrefix(n, t):
			best = math.Max(best, scorePrefix)
		case strings.Contains(n, t):
			best = math.Max(best, scoreContains)
		}
	}
	if best == 0 {
		best = scoreContains * hopDecay
	}
	return best
}
