package types

// ConnectorKind identifies the upstream system a ConnectedAccount talks to.
type ConnectorKind string

const (
	CONNECTOR_LOCAL_FS      ConnectorKind = "local_fs"
	CONNECTOR_GITHUB        ConnectorKind = "github"
	CONNECTOR_GITHUB_ISSUES ConnectorKind = "github_issues"
	CONNECTOR_SLACK         ConnectorKind = "slack"
	CONNECTOR_GDRIVE        ConnectorKind = "gdrive"
	CONNECTOR_WEB           ConnectorKind = "web"
)

// ItemKind is the shape of content a source produces; it selects the chunking strategy.
type ItemKind string

const (
	ITEM_CODE_REPO ItemKind = "code_repo"
	ITEM_DOCUMENT  ItemKind = "document"
	ITEM_CHAT      ItemKind = "chat"
	ITEM_TICKET    ItemKind = "ticket"
	ITEM_WEB_PAGE  ItemKind = "web_page"
)

var AllItemKinds = []ItemKind{ITEM_CODE_REPO, ITEM_DOCUMENT, ITEM_CHAT, ITEM_TICKET, ITEM_WEB_PAGE}

func (k ItemKind) Valid() bool {
	for _, v := range AllItemKinds {
		if v == k {
			return true
		}
	}
	return false
}

type BlockType string

const (
	BLOCK_CODE                BlockType = "code"
	BLOCK_TEXT                BlockType = "text"
	BLOCK_CHAT                BlockType = "chat"
	BLOCK_TICKET_HEADER       BlockType = "ticket_header"
	BLOCK_TICKET_CONVERSATION BlockType = "ticket_conversation"
)

type AccountStatus string

const (
	ACCOUNT_CONNECTED    AccountStatus = "connected"
	ACCOUNT_SYNCING      AccountStatus = "syncing"
	ACCOUNT_ERROR        AccountStatus = "error"
	ACCOUNT_PENDING_AUTH AccountStatus = "pending_auth"
	ACCOUNT_DISCONNECTED AccountStatus = "disconnected"
)

type JobStatus string

const (
	JOB_RUNNING   JobStatus = "running"
	JOB_COMPLETED JobStatus = "completed"
	JOB_FAILED    JobStatus = "failed"
	JOB_CANCELLED JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JOB_COMPLETED || s == JOB_FAILED || s == JOB_CANCELLED
}

type EntityType string

const (
	ENTITY_PERSON        EntityType = "person"
	ENTITY_ORGANIZATION  EntityType = "organization"
	ENTITY_REPOSITORY    EntityType = "repository"
	ENTITY_FILE          EntityType = "file"
	ENTITY_FUNCTION      EntityType = "function"
	ENTITY_CLASS         EntityType = "class"
	ENTITY_MODULE        EntityType = "module"
	ENTITY_COMMIT        EntityType = "commit"
	ENTITY_PULL_REQUEST  EntityType = "pull_request"
	ENTITY_ISSUE         EntityType = "issue"
	ENTITY_DOCUMENT      EntityType = "document"
	ENTITY_CONVERSATION  EntityType = "conversation"
	ENTITY_CHANNEL       EntityType = "channel"
	ENTITY_MESSAGE       EntityType = "message"
	ENTITY_PAGE          EntityType = "page"
	ENTITY_PROJECT       EntityType = "project"
	ENTITY_TEAM          EntityType = "team"
	ENTITY_CODE_ENTITY   EntityType = "code_entity"
	ENTITY_CONCEPT       EntityType = "concept"
	ENTITY_TECHNOLOGY    EntityType = "technology"
	ENTITY_LOCATION      EntityType = "location"
	ENTITY_EVENT         EntityType = "event"
	ENTITY_DATE          EntityType = "date"
	ENTITY_URL           EntityType = "url"
	ENTITY_EMAIL         EntityType = "email"
	ENTITY_PRODUCT       EntityType = "product"
	ENTITY_FEATURE       EntityType = "feature"
	ENTITY_BUG           EntityType = "bug"
	ENTITY_TASK          EntityType = "task"
	ENTITY_MEETING       EntityType = "meeting"
	ENTITY_DECISION      EntityType = "decision"
	ENTITY_REQUIREMENT   EntityType = "requirement"
	ENTITY_API           EntityType = "api"
	ENTITY_DATABASE      EntityType = "database"
	ENTITY_SERVICE       EntityType = "service"
	ENTITY_CONFIGURATION EntityType = "configuration"
)

// IsCode reports whether the type names something that lives in source code.
func (t EntityType) IsCode() bool {
	switch t {
	case ENTITY_FUNCTION, ENTITY_CLASS, ENTITY_MODULE, ENTITY_CODE_ENTITY, ENTITY_API:
		return true
	}
	return false
}

type RelType string

const (
	REL_AUTHORED_BY          RelType = "authored_by"
	REL_MENTIONS             RelType = "mentions"
	REL_REFERENCES           RelType = "references"
	REL_BELONGS_TO           RelType = "belongs_to"
	REL_DEPENDS_ON           RelType = "depends_on"
	REL_IMPLEMENTS           RelType = "implements"
	REL_DISCUSSED_IN         RelType = "discussed_in"
	REL_RESOLVES             RelType = "resolves"
	REL_CONTAINS             RelType = "contains"
	REL_IMPORTS              RelType = "imports"
	REL_CALLS                RelType = "calls"
	REL_MODIFIES             RelType = "modifies"
	REL_NEXT                 RelType = "next"
	REL_SEMANTICALLY_RELATED RelType = "semantically_related"
)

type Strategy string

const (
	STRATEGY_VECTOR Strategy = "vector"
	STRATEGY_GRAPH  Strategy = "graph"
	STRATEGY_HYBRID Strategy = "hybrid"
	STRATEGY_AUTO   Strategy = "auto"
)

func (s Strategy) Valid() bool {
	switch s {
	case STRATEGY_VECTOR, STRATEGY_GRAPH, STRATEGY_HYBRID, STRATEGY_AUTO:
		return true
	}
	return false
}
