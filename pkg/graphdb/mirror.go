package graphdb

import (
	"context"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/types"
)

var (
	_ graph.Mirror   = (*Client)(nil)
	_ graph.Searcher = (*Client)(nil)
)

const (
	cypherDetachChunk = `
MATCH (c:Chunk {tenant_id: $tenant_id})
WHERE c.id IN $chunk_ids
DETACH DELETE c
`
	cypherForgetRelEvidence = `
MATCH ()-[x:REL {tenant_id: $tenant_id}]->()
WHERE any(id IN x.chunk_ids WHERE id IN $chunk_ids)
SET x.chunk_ids = [id IN x.chunk_ids WHERE NOT id IN $chunk_ids]
`
)

// MirrorExtraction replaces the projection of one chunk: its previous
// evidence is dropped before the new entities and relationships are merged.
func (c *Client) MirrorExtraction(ctx context.Context, tenantID string, ex *types.Extraction) error {
	if c == nil || ex == nil {
		return nil
	}
	entities := make([]map[string]any, 0, len(ex.Entities))
	for _, e := range ex.Entities {
		entities = append(entities, map[string]any{
			"id":        e.ID,
			"tenant_id": tenantID,
			"name":      e.Name,
			"name_lc":   strings.ToLower(e.Name),
			"type":      string(e.EntityType),
			"source":    e.SourceKind,
		})
	}
	rels := make([]map[string]any, 0, len(ex.Relationships))
	for _, r := range ex.Relationships {
		rels = append(rels, map[string]any{
			"id":        r.ID,
			"tenant_id": tenantID,
			"from":      r.FromEntity,
			"to":        r.ToEntity,
			"type":      string(r.RelType),
			"weight":    r.Weight,
		})
	}
	params := map[string]any{"tenant_id": tenantID, "chunk_id": ex.ChunkID, "chunk_ids": []string{ex.ChunkID}}

	return c.write(ctx, "graphdb.MirrorExtraction", func(tx neo4j.ManagedTransaction) error {
		if err := run(ctx, tx, cypherDetachChunk, params); err != nil {
			return err
		}
		if err := run(ctx, tx, cypherForgetRelEvidence, params); err != nil {
			return err
		}
		if err := run(ctx, tx, `
MERGE (c:Chunk {id: $chunk_id})
SET c.tenant_id = $tenant_id
`, params); err != nil {
			return err
		}
		if len(entities) > 0 {
			if err := run(ctx, tx, `
UNWIND $entities AS e
MERGE (n:Entity {id: e.id})
SET n += e
WITH n
MATCH (c:Chunk {id: $chunk_id})
MERGE (c)-[:MENTIONS]->(n)
`, map[string]any{"entities": entities, "chunk_id": ex.ChunkID}); err != nil {
				return err
			}
		}
		if len(rels) > 0 {
			if err := run(ctx, tx, `
UNWIND $rels AS r
MATCH (a:Entity {id: r.from})
MATCH (b:Entity {id: r.to})
MERGE (a)-[x:REL {id: r.id}]->(b)
SET x.type = r.type,
    x.tenant_id = r.tenant_id,
    x.weight = CASE WHEN x.weight IS NULL OR r.weight > x.weight THEN r.weight ELSE x.weight END,
    x.chunk_ids = CASE WHEN $chunk_id IN coalesce(x.chunk_ids, []) THEN x.chunk_ids ELSE coalesce(x.chunk_ids, []) + $chunk_id END
`, map[string]any{"rels": rels, "chunk_id": ex.ChunkID}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropChunks removes deleted chunks and their evidence from the projection.
func (c *Client) DropChunks(ctx context.Context, tenantID string, chunkIDs []string) error {
	if c == nil || len(chunkIDs) == 0 {
		return nil
	}
	params := map[string]any{"tenant_id": tenantID, "chunk_ids": chunkIDs}
	return c.write(ctx, "graphdb.DropChunks", func(tx neo4j.ManagedTransaction) error {
		if err := run(ctx, tx, cypherDetachChunk, params); err != nil {
			return err
		}
		return run(ctx, tx, cypherForgetRelEvidence, params)
	})
}

// DropOrphans applies the result of a relational GC run to the projection.
func (c *Client) DropOrphans(ctx context.Context, stats graph.GCStats) error {
	if c == nil || (len(stats.Entities) == 0 && len(stats.Relationships) == 0) {
		return nil
	}
	return c.write(ctx, "graphdb.DropOrphans", func(tx neo4j.ManagedTransaction) error {
		for _, ids := range lo.Chunk(stats.Relationships, 500) {
			if err := run(ctx, tx, `
MATCH ()-[x:REL]->()
WHERE x.id IN $ids
DELETE x
`, map[string]any{"ids": ids}); err != nil {
				return err
			}
		}
		for _, ids := range lo.Chunk(stats.Entities, 500) {
			if err := run(ctx, tx, `
MATCH (n:Entity)
WHERE n.id IN $ids
DETACH DELETE n
`, map[string]any{"ids": ids}); err != nil {
				return err
			}
		}
		return nil
	})
}
