package types

// Chunk is the single source of truth for chunk text.
type Chunk struct {
	ChunkID      string    `json:"chunk_id" db:"chunk_id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	SourceID     string    `json:"source_id" db:"source_id"`
	SourceItemID string    `json:"source_item_id" db:"source_item_id"`
	ChunkIndex   int       `json:"chunk_index" db:"chunk_index"`
	Content      string    `json:"content" db:"content"`
	ContentHash  string    `json:"content_hash" db:"content_hash"`
	BlockType    BlockType `json:"block_type" db:"block_type"`
	Language     string    `json:"language" db:"language"`
	Metadata     Metadata  `json:"metadata" db:"metadata"`
	IndexedHash  string    `json:"-" db:"indexed_hash"`
	CreatedAt    int64     `json:"created_at" db:"created_at"`
	UpdatedAt    int64     `json:"updated_at" db:"updated_at"`
}

// ChunkHashes pairs the stored content hash of a chunk with the hash its
// vector and graph writes last completed for.
type ChunkHashes struct {
	Content string `db:"content_hash"`
	Indexed string `db:"indexed_hash"`
}

// Metadata keys shared by chunker, indexer and connectors.
const (
	META_PATH           = "path"
	META_TITLE          = "title"
	META_AUTHOR         = "author"
	META_REPOSITORY     = "repository"
	META_CONNECTOR      = "connector_kind"
	META_URL            = "url"
	META_TAGS           = "tags"
	META_ROBOT_ID       = "robot_id"
	META_CHANNEL        = "channel"
	META_ISSUE_NUMBER   = "issue_number"
	META_TICKET_TYPE    = "ticket_type"
	META_STATE          = "state"
	META_START_LINE     = "start_line"
	META_END_LINE       = "end_line"
	META_START_OFFSET   = "start_offset"
	META_END_OFFSET     = "end_offset"
	META_SYMBOL         = "symbol"
	META_SYMBOL_KIND    = "symbol_kind"
	META_MESSAGE_START  = "message_start"
	META_MESSAGE_END    = "message_end"
	META_MESSAGE_COUNT  = "message_count"
	META_AUTHORS        = "authors"
	META_CHUNK_TYPE     = "chunk_type"
	META_PARENT_KIND    = "parent_chunk_kind"
	META_CONTENT_TYPE   = "content_type"
	META_SOURCE_UPDATED = "source_updated_at"
	META_HEADING_PATH   = "heading_path"
	META_HEADER_PART    = "header_part"
	META_STARTED_AT     = "started_at"
	META_ENDED_AT       = "ended_at"
)

type ListChunksOptions struct {
	TenantID     string
	SourceID     string
	SourceItemID string
}
