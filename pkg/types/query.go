package types

import "time"

type QueryFilters struct {
	ConnectorKinds []ConnectorKind `json:"connector_kinds,omitempty"`
	SourceIDs      []string        `json:"source_ids,omitempty"`
	BlockTypes     []BlockType     `json:"block_types,omitempty"`
	Repository     string          `json:"repository,omitempty"`
	Author         string          `json:"author,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	UpdatedAfter   int64           `json:"updated_after,omitempty"`
	UpdatedBefore  int64           `json:"updated_before,omitempty"`
}

type ContextQuery struct {
	TenantID string        `json:"tenant_id"`
	UserID   string        `json:"user_id"`
	RobotID  string        `json:"robot_id,omitempty"`
	Query    string        `json:"query"`
	Filters  QueryFilters  `json:"filters"`
	Strategy Strategy      `json:"strategy"`
	TopK     int           `json:"top_k"`
	Timeout  time.Duration `json:"timeout"`
}

// VectorFilter converts the query scope into a vector index filter.
func (q ContextQuery) VectorFilter() VectorFilter {
	return VectorFilter{
		TenantID:       q.TenantID,
		ConnectorKinds: q.Filters.ConnectorKinds,
		SourceIDs:      q.Filters.SourceIDs,
		BlockTypes:     q.Filters.BlockTypes,
		Repository:     q.Filters.Repository,
		Author:         q.Filters.Author,
		Tags:           q.Filters.Tags,
		RobotID:        q.RobotID,
		UpdatedAfter:   q.Filters.UpdatedAfter,
		UpdatedBefore:  q.Filters.UpdatedBefore,
	}
}

type ProvenanceKind string

const (
	PROVENANCE_VECTOR ProvenanceKind = "vector"
	PROVENANCE_GRAPH  ProvenanceKind = "graph"
)

type Provenance struct {
	Kind              ProvenanceKind `json:"kind"`
	Similarity        float64        `json:"similarity,omitempty"`
	EmbeddingModelSet string         `json:"embedding_model_set,omitempty"`
	Path              []string       `json:"path,omitempty"`
	Distance          int            `json:"distance,omitempty"`
	RelationshipTypes []RelType      `json:"relationship_types,omitempty"`
}

type BlockSource struct {
	SourceID      string        `json:"source_id"`
	SourceItemID  string        `json:"source_item_id"`
	ConnectorKind ConnectorKind `json:"connector_kind,omitempty"`
	BlockType     BlockType     `json:"block_type"`
	Language      string        `json:"language,omitempty"`
	Metadata      Metadata      `json:"metadata,omitempty"`
}

type ContextBlock struct {
	ChunkID    string      `json:"chunk_id"`
	Source     BlockSource `json:"source"`
	Content    string      `json:"content"`
	Score      float64     `json:"score"`
	Provenance Provenance  `json:"provenance"`
}

type ContextResponse struct {
	StrategyUsed Strategy       `json:"strategy_used"`
	Blocks       []ContextBlock `json:"blocks"`
	Total        int            `json:"total"`
	TookMS       int64          `json:"took_ms"`
	Partial      bool           `json:"partial"`
	Cached       bool           `json:"cached"`
}
