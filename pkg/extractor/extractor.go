package extractor

import (
	"strings"

	"github.com/quka-ai/conhub/pkg/types"
)

type extractFunc func(b *builder, c *types.Chunk)

// Extractor turns one chunk into entities and relationships. Dispatch is by
// block type; every call is pure and safe for concurrent use.
type Extractor struct {
	dispatch map[types.BlockType]extractFunc
}

func New() *Extractor {
	return &Extractor{
		dispatch: map[types.BlockType]extractFunc{
			types.BLOCK_CODE:                extractCode,
			types.BLOCK_TEXT:                extractText,
			types.BLOCK_CHAT:                extractText,
			types.BLOCK_TICKET_HEADER:       extractText,
			types.BLOCK_TICKET_CONVERSATION: extractText,
		},
	}
}

func (x *Extractor) Extract(c *types.Chunk) *types.Extraction {
	b := newBuilder(c)
	if fn, ok := x.dispatch[c.BlockType]; ok {
		fn(b, c)
	} else {
		extractText(b, c)
	}
	return &types.Extraction{
		ChunkID:       c.ChunkID,
		Entities:      b.entities,
		Relationships: b.relationships,
	}
}

// ExtractAll runs Extract over a batch, keeping chunk order.
func (x *Extractor) ExtractAll(chunks []*types.Chunk) []*types.Extraction {
	out := make([]*types.Extraction, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, x.Extract(c))
	}
	return out
}

// builder dedupes entities by id and relationships by (from, to, rel).
type builder struct {
	tenantID      string
	sourceKind    string
	entities      []*types.Entity
	byID          map[string]*types.Entity
	relationships []*types.Relationship
	relIDs        map[string]struct{}
}

func newBuilder(c *types.Chunk) *builder {
	kind := c.Metadata.String(types.META_CONNECTOR)
	if kind == "" {
		kind = "unknown"
	}
	return &builder{
		tenantID:   c.TenantID,
		sourceKind: kind,
		byID:       map[string]*types.Entity{},
		relIDs:     map[string]struct{}{},
	}
}

// entity adds or returns the entity identified by key within the chunk's
// source kind; later calls merge properties.
func (b *builder) entity(t types.EntityType, key, name string, props types.Metadata) *types.Entity {
	e := &types.Entity{
		TenantID:         b.tenantID,
		EntityType:       t,
		SourceKind:       b.sourceKind,
		SourceIDInSource: string(t) + ":" + key,
		Name:             name,
		Properties:       props,
	}
	id := e.EnsureID()
	if cur, ok := b.byID[id]; ok {
		for k, v := range props {
			if cur.Properties == nil {
				cur.Properties = types.Metadata{}
			}
			cur.Properties[k] = v
		}
		return cur
	}
	if e.Properties == nil {
		e.Properties = types.Metadata{}
	}
	b.byID[id] = e
	b.entities = append(b.entities, e)
	return e
}

func (b *builder) relate(from, to *types.Entity, rel types.RelType, weight float64) {
	if from == nil || to == nil || from.ID == to.ID {
		return
	}
	r := &types.Relationship{
		TenantID:   b.tenantID,
		FromEntity: from.ID,
		ToEntity:   to.ID,
		RelType:    rel,
		Weight:     weight,
		Properties: types.Metadata{},
	}
	id := r.EnsureID()
	if _, ok := b.relIDs[id]; ok {
		return
	}
	b.relIDs[id] = struct{}{}
	b.relationships = append(b.relationships, r)
}

// person keys people by lowercased handle so "Alice" and "alice" collapse.
func (b *builder) person(name string, props types.Metadata) *types.Entity {
	name = strings.TrimSpace(strings.TrimPrefix(name, "@"))
	if name == "" {
		return nil
	}
	return b.entity(types.ENTITY_PERSON, strings.ToLower(name), name, props)
}

// repository returns the repository entity of the chunk when it has one.
func (b *builder) repository(c *types.Chunk) *types.Entity {
	repo := c.Metadata.String(types.META_REPOSITORY)
	if repo == "" {
		return nil
	}
	return b.entity(types.ENTITY_REPOSITORY, repo, repo, types.Metadata{"full_name": repo})
}

func (b *builder) authors(c *types.Chunk) []*types.Entity {
	var out []*types.Entity
	if a := c.Metadata.String(types.META_AUTHOR); a != "" {
		if p := b.person(a, nil); p != nil {
			out = append(out, p)
		}
	}
	for _, a := range c.Metadata.Strings(types.META_AUTHORS) {
		if p := b.person(a, nil); p != nil {
			out = append(out, p)
		}
	}
	return out
}
