package types

import "fmt"

type TableName string

func (s TableName) Name() string {
	return fmt.Sprintf("%s%s", TABLE_PREFIX, s)
}

const TABLE_PREFIX = "conhub_"

const (
	TABLE_CONNECTED_ACCOUNTS    = TableName("connected_accounts")
	TABLE_SOURCES               = TableName("sources")
	TABLE_SOURCE_ITEMS          = TableName("source_items")
	TABLE_CHUNKS                = TableName("chunks")
	TABLE_VECTORS               = TableName("vectors")
	TABLE_ENTITIES              = TableName("entities")
	TABLE_CANONICAL_ENTITIES    = TableName("canonical_entities")
	TABLE_RELATIONSHIPS         = TableName("relationships")
	TABLE_ENTITY_EVIDENCE       = TableName("entity_evidence")
	TABLE_RELATIONSHIP_EVIDENCE = TableName("relationship_evidence")
	TABLE_SYNC_JOBS_ARCHIVE     = TableName("sync_jobs_archive")
)
