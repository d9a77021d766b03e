package graphdb

import (
	"context"
	"fmt"
	"math"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/types"
)

const cypherSearchSeeds = `
MATCH (e:Entity {tenant_id: $tenant_id})
WHERE any(t IN $terms WHERE e.name_lc CONTAINS t)
  AND (size($entity_types) = 0 OR e.type IN $entity_types)
WITH e LIMIT $limit
OPTIONAL MATCH (c:Chunk)-[:MENTIONS]->(e)
RETURN e.id AS id, e.name AS name, collect(c.id) AS chunks
`

const cypherSearchNeighbors = `
MATCH (e:Entity {tenant_id: $tenant_id})-[r:REL]-(n:Entity)
WHERE e.id IN $ids
  AND (size($rel_types) = 0 OR r.type IN $rel_types)
OPTIONAL MATCH (c:Chunk)-[:MENTIONS]->(n)
RETURN e.id AS seed, n.id AS id, n.name AS name, r.type AS rel,
       startNode(r).name AS from_name, endNode(r).name AS to_name,
       coalesce(r.chunk_ids, []) AS rel_chunks, collect(c.id) AS chunks
`

// Search mirrors graph.Search: seed entities by name, their evidence chunks,
// the chunks supporting their relationships and their direct neighbors.
func (c *Client) Search(ctx context.Context, terms []string, filter types.GraphFilter, topK int) ([]*types.GraphHit, error) {
	recs, err := c.read(ctx, "graphdb.Search.Seeds", cypherSearchSeeds, map[string]any{
		"tenant_id":    filter.TenantID,
		"terms":        terms,
		"entity_types": lo.Map(filter.EntityTypes, func(t types.EntityType, _ int) string { return string(t) }),
		"limit":        max(topK*4, 20),
	})
	if err != nil {
		return nil, err
	}

	hits := graph.NewHitSet()
	seedScore := map[string]float64{}
	seedName := map[string]string{}
	for _, rec := range recs {
		id, name := recordString(rec, "id"), recordString(rec, "name")
		score := graph.MatchScore(name, terms)
		seedScore[id], seedName[id] = score, name
		for _, chunk := range recordStrings(rec, "chunks") {
			hits.Offer(chunk, score, []string{name}, 0, nil)
		}
	}
	if len(seedScore) == 0 {
		return nil, nil
	}

	recs, err = c.read(ctx, "graphdb.Search.Neighbors", cypherSearchNeighbors, map[string]any{
		"tenant_id": filter.TenantID,
		"ids":       lo.Keys(seedScore),
		"rel_types": relTypeStrings(filter.RelTypes),
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		seed, id := recordString(rec, "seed"), recordString(rec, "id")
		rel := types.RelType(recordString(rec, "rel"))
		s := seedScore[seed]
		if other, ok := seedScore[id]; ok {
			s = math.Max(s, other)
		}
		linkPath := []string{recordString(rec, "from_name"), string(rel), recordString(rec, "to_name")}
		for _, chunk := range recordStrings(rec, "rel_chunks") {
			hits.Offer(chunk, s, linkPath, 0, []types.RelType{rel})
		}
		if _, isSeed := seedScore[id]; isSeed {
			continue
		}
		path := []string{seedName[seed], string(rel), recordString(rec, "name")}
		for _, chunk := range recordStrings(rec, "chunks") {
			hits.Offer(chunk, seedScore[seed]*graph.HopScore(1), path, 1, []types.RelType{rel})
		}
	}
	return hits.Top(topK), nil
}

// cypherExpand is formatted with the hop bound; variable length patterns
// cannot take it as a parameter.
const cypherExpand = `
MATCH (s:Chunk)-[:MENTIONS]->(seed:Entity {tenant_id: $tenant_id})
WHERE s.id IN $seed_chunks
WITH DISTINCT seed LIMIT $max_nodes
MATCH p = (seed)-[:REL*0..%d]-(n:Entity)
WHERE all(r IN relationships(p) WHERE size($rel_types) = 0 OR r.type IN $rel_types)
WITH n, p ORDER BY length(p) ASC
WITH n, collect(p)[0] AS p
WITH n, p ORDER BY length(p) ASC LIMIT $max_nodes
MATCH (c:Chunk)-[:MENTIONS]->(n)
WHERE NOT c.id IN $seed_chunks
RETURN c.id AS chunk_id, length(p) AS hop,
       [x IN nodes(p) | x.name] AS names,
       [r IN relationships(p) | r.type] AS rels
`

// Expand walks at most maxHops relationships from the entities of the seed
// chunks in a single variable length match.
func (c *Client) Expand(ctx context.Context, tenantID string, seedChunkIDs []string, maxHops int, relTypes []types.RelType, maxNodes int) ([]*types.GraphHit, error) {
	if maxHops < 0 {
		maxHops = 0
	}
	recs, err := c.read(ctx, "graphdb.Expand", fmt.Sprintf(cypherExpand, maxHops), map[string]any{
		"tenant_id":   tenantID,
		"seed_chunks": seedChunkIDs,
		"rel_types":   relTypeStrings(relTypes),
		"max_nodes":   maxNodes,
	})
	if err != nil {
		return nil, err
	}
	hits := graph.NewHitSet()
	for _, rec := range recs {
		hop, _, err := neo4j.GetRecordValue[int64](rec, "hop")
		if err != nil {
			return nil, errors.NewKind("graphdb.Expand", errors.KindDataIntegrity, "unexpected hop value", err)
		}
		rels := lo.Map(recordStrings(rec, "rels"), func(s string, _ int) types.RelType { return types.RelType(s) })
		distance := int(hop) + 1
		hits.Offer(recordString(rec, "chunk_id"), graph.HopScore(distance),
			interleave(recordStrings(rec, "names"), rels), distance, rels)
	}
	return hits.Top(maxNodes), nil
}

// interleave builds [name, rel, name, rel, name] from a path's nodes and edges.
func interleave(names []string, rels []types.RelType) []string {
	out := make([]string, 0, len(names)+len(rels))
	for i, n := range names {
		if i > 0 && i-1 < len(rels) {
			out = append(out, string(rels[i-1]))
		}
		out = append(out, n)
	}
	return out
}

func relTypeStrings(rels []types.RelType) []string {
	return lo.Map(rels, func(r types.RelType, _ int) string { return string(r) })
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func recordStrings(rec *neo4j.Record, key string) []string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
