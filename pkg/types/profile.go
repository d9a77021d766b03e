package types

// ContentProfile drives model selection in the embedding service.
type ContentProfile struct {
	ConnectorKind ConnectorKind `json:"connector_kind"`
	BlockType     BlockType     `json:"block_type"`
	Language      string        `json:"language"`
	ContentType   string        `json:"content_type"`
}

// QueryProfile is used for every query embedding.
var QueryProfile = ContentProfile{ContentType: "query"}

func ProfileForChunk(connector ConnectorKind, c *Chunk) ContentProfile {
	return ContentProfile{
		ConnectorKind: connector,
		BlockType:     c.BlockType,
		Language:      c.Language,
		ContentType:   c.Metadata.String(META_CONTENT_TYPE),
	}
}
