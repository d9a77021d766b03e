package types

import (
	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

const PREVIEW_MAX_CHARS = 500

// VectorPayload is the filterable metadata stored next to each embedding.
type VectorPayload struct {
	TenantID        string         `json:"tenant_id" db:"tenant_id"`
	SourceID        string         `json:"source_id" db:"source_id"`
	SourceItemID    string         `json:"source_item_id" db:"source_item_id"`
	ConnectorKind   ConnectorKind  `json:"connector_kind" db:"connector_kind"`
	BlockType       BlockType      `json:"block_type" db:"block_type"`
	Language        string         `json:"language" db:"language"`
	Author          string         `json:"author" db:"author"`
	Repository      string         `json:"repository" db:"repository"`
	RobotID         string         `json:"robot_id" db:"robot_id"`
	Tags            pq.StringArray `json:"tags" db:"tags"`
	Preview         string         `json:"preview" db:"preview"`
	ModelSet        string         `json:"model_set" db:"model_set"`
	SourceUpdatedAt int64          `json:"source_updated_at" db:"source_updated_at"`
}

type VectorRecord struct {
	ChunkID   string        `json:"chunk_id" db:"chunk_id"`
	Embedding []float32     `json:"-" db:"-"`
	Payload   VectorPayload `json:"payload"`
}

type VectorHit struct {
	ChunkID string        `json:"chunk_id" db:"chunk_id"`
	Score   float64       `json:"score" db:"score"`
	Payload VectorPayload `json:"payload"`
}

// VectorFilter restricts a similarity search. TenantID is mandatory.
type VectorFilter struct {
	TenantID       string
	ConnectorKinds []ConnectorKind
	SourceIDs      []string
	BlockTypes     []BlockType
	Repository     string
	Author         string
	Tags           []string
	RobotID        string
	UpdatedAfter   int64
	UpdatedBefore  int64
}

func (opts VectorFilter) Apply(query *sq.SelectBuilder) {
	*query = query.Where(sq.Eq{"tenant_id": opts.TenantID})
	if len(opts.ConnectorKinds) > 0 {
		*query = query.Where(sq.Eq{"connector_kind": opts.ConnectorKinds})
	}
	if len(opts.SourceIDs) > 0 {
		*query = query.Where(sq.Eq{"source_id": opts.SourceIDs})
	}
	if len(opts.BlockTypes) > 0 {
		*query = query.Where(sq.Eq{"block_type": opts.BlockTypes})
	}
	if opts.Repository != "" {
		*query = query.Where(sq.Eq{"repository": opts.Repository})
	}
	if opts.Author != "" {
		*query = query.Where(sq.Eq{"author": opts.Author})
	}
	if len(opts.Tags) > 0 {
		*query = query.Where(sq.Expr("tags && ?", pq.StringArray(opts.Tags)))
	}
	if opts.RobotID != "" {
		*query = query.Where(sq.Eq{"robot_id": opts.RobotID})
	}
	if opts.UpdatedAfter > 0 {
		*query = query.Where(sq.GtOrEq{"source_updated_at": opts.UpdatedAfter})
	}
	if opts.UpdatedBefore > 0 {
		*query = query.Where(sq.LtOrEq{"source_updated_at": opts.UpdatedBefore})
	}
}

// Match is the in-process equivalent of Apply.
func (opts VectorFilter) Match(p VectorPayload) bool {
	if p.TenantID != opts.TenantID {
		return false
	}
	if len(opts.ConnectorKinds) > 0 && !contains(opts.ConnectorKinds, p.ConnectorKind) {
		return false
	}
	if len(opts.SourceIDs) > 0 && !contains(opts.SourceIDs, p.SourceID) {
		return false
	}
	if len(opts.BlockTypes) > 0 && !contains(opts.BlockTypes, p.BlockType) {
		return false
	}
	if opts.Repository != "" && p.Repository != opts.Repository {
		return false
	}
	if opts.Author != "" && p.Author != opts.Author {
		return false
	}
	if len(opts.Tags) > 0 {
		found := false
		for _, t := range opts.Tags {
			if contains(p.Tags, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.RobotID != "" && p.RobotID != opts.RobotID {
		return false
	}
	if opts.UpdatedAfter > 0 && p.SourceUpdatedAt < opts.UpdatedAfter {
		return false
	}
	if opts.UpdatedBefore > 0 && p.SourceUpdatedAt > opts.UpdatedBefore {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// PayloadForChunk derives the filterable payload of a chunk from its metadata.
func PayloadForChunk(c *Chunk, modelSet string) VectorPayload {
	preview := []rune(c.Content)
	if len(preview) > PREVIEW_MAX_CHARS {
		preview = preview[:PREVIEW_MAX_CHARS]
	}
	return VectorPayload{
		TenantID:        c.TenantID,
		SourceID:        c.SourceID,
		SourceItemID:    c.SourceItemID,
		ConnectorKind:   ConnectorKind(c.Metadata.String(META_CONNECTOR)),
		BlockType:       c.BlockType,
		Language:        c.Language,
		Author:          c.Metadata.String(META_AUTHOR),
		Repository:      c.Metadata.String(META_REPOSITORY),
		RobotID:         c.Metadata.String(META_ROBOT_ID),
		Tags:            pq.StringArray(c.Metadata.Strings(META_TAGS)),
		Preview:         string(preview),
		ModelSet:        modelSet,
		SourceUpdatedAt: int64(c.Metadata.Int(META_SOURCE_UPDATED)),
	}
}
