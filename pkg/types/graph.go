package types

type Entity struct {
	ID               string     `json:"id" db:"id"`
	TenantID         string     `json:"tenant_id" db:"tenant_id"`
	EntityType       EntityType `json:"entity_type" db:"entity_type"`
	SourceKind       string     `json:"source_kind" db:"source_kind"`
	SourceIDInSource string     `json:"source_id_in_source" db:"source_id_in_source"`
	Name             string     `json:"name" db:"name"`
	Properties       Metadata   `json:"properties" db:"properties"`
	CanonicalID      string     `json:"canonical_id" db:"canonical_id"`
	CreatedAt        int64      `json:"created_at" db:"created_at"`
	UpdatedAt        int64      `json:"updated_at" db:"updated_at"`
}

// EnsureID derives the id from the uniqueness key (tenant, source_kind, source_id_in_source).
func (e *Entity) EnsureID() string {
	if e.ID == "" {
		e.ID = EntityID(e.TenantID, e.SourceKind, e.SourceIDInSource)
	}
	return e.ID
}

type CanonicalEntity struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	EntityType EntityType `json:"entity_type" db:"entity_type"`
	Name       string     `json:"name" db:"name"`
	NormName   string     `json:"-" db:"norm_name"`
	Properties Metadata   `json:"properties" db:"properties"`
	Confidence float64    `json:"confidence" db:"confidence"`
	CreatedAt  int64      `json:"created_at" db:"created_at"`
	UpdatedAt  int64      `json:"updated_at" db:"updated_at"`
}

type Relationship struct {
	ID         string   `json:"id" db:"id"`
	TenantID   string   `json:"tenant_id" db:"tenant_id"`
	FromEntity string   `json:"from_entity" db:"from_entity"`
	ToEntity   string   `json:"to_entity" db:"to_entity"`
	RelType    RelType  `json:"rel_type" db:"rel_type"`
	Properties Metadata `json:"properties" db:"properties"`
	Weight     float64  `json:"weight" db:"weight"`
	CreatedAt  int64    `json:"created_at" db:"created_at"`
	UpdatedAt  int64    `json:"updated_at" db:"updated_at"`
}

func (r *Relationship) EnsureID() string {
	if r.ID == "" {
		r.ID = RelationshipID(r.TenantID, r.FromEntity, r.ToEntity, r.RelType)
	}
	return r.ID
}

// EntityEvidence says "this chunk mentions this entity".
type EntityEvidence struct {
	ChunkID  string `json:"chunk_id" db:"chunk_id"`
	EntityID string `json:"entity_id" db:"entity_id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
}

// RelationshipEvidence says "this chunk supports this relationship".
type RelationshipEvidence struct {
	ChunkID        string `json:"chunk_id" db:"chunk_id"`
	RelationshipID string `json:"relationship_id" db:"relationship_id"`
	TenantID       string `json:"tenant_id" db:"tenant_id"`
}

// GraphHit is a chunk reached through the graph together with how it was reached.
type GraphHit struct {
	ChunkID           string    `json:"chunk_id"`
	Score             float64   `json:"score"`
	Path              []string  `json:"path"`
	Distance          int       `json:"distance"`
	RelationshipTypes []RelType `json:"relationship_types"`
}

type GraphFilter struct {
	TenantID    string
	EntityTypes []EntityType
	RelTypes    []RelType
}

// Extraction is the output of running the extractor over one chunk.
type Extraction struct {
	ChunkID       string
	Entities      []*Entity
	Relationships []*Relationship
}
