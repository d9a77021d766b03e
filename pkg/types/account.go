package types

import "time"

// ConnectedAccount binds a user of a tenant to one upstream identity.
type ConnectedAccount struct {
	ID               string        `json:"id" db:"id"`
	TenantID         string        `json:"tenant_id" db:"tenant_id"`
	UserID           string        `json:"user_id" db:"user_id"`
	ConnectorKind    ConnectorKind `json:"connector_kind" db:"connector_kind"`
	ExternalIdentity string        `json:"external_identity" db:"external_identity"`
	CredentialsRef   string        `json:"credentials_ref" db:"credentials_ref"` // opaque handle resolved by the credential store
	Status           AccountStatus `json:"status" db:"status"`
	LastSyncAt       int64         `json:"last_sync_at" db:"last_sync_at"`
	CreatedAt        int64         `json:"created_at" db:"created_at"`
	UpdatedAt        int64         `json:"updated_at" db:"updated_at"`
}

// Source is a repo, drive folder, channel, project or site under an account.
type Source struct {
	ID          string        `json:"id" db:"id"`
	TenantID    string        `json:"tenant_id" db:"tenant_id"`
	AccountID   string        `json:"account_id" db:"account_id"`
	Connector   ConnectorKind `json:"connector_kind" db:"connector_kind"`
	Kind        ItemKind      `json:"kind" db:"kind"`
	Name        string        `json:"name" db:"name"`
	ExternalRef string        `json:"external_ref" db:"external_ref"` // owner/repo, folder id, channel id, url
	Config      Metadata      `json:"config" db:"config"`
	Cursor      string        `json:"cursor" db:"cursor"`
	CreatedAt   int64         `json:"created_at" db:"created_at"`
	UpdatedAt   int64         `json:"updated_at" db:"updated_at"`
}

// Message is one utterance of a chat window or a ticket conversation.
type Message struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceItem is a single file, document, conversation window, ticket or page.
// Content is carried in memory only; the persisted row keeps the fingerprint.
type SourceItem struct {
	ID                 string   `json:"id" db:"id"`
	TenantID           string   `json:"tenant_id" db:"tenant_id"`
	SourceID           string   `json:"source_id" db:"source_id"`
	ExternalID         string   `json:"external_id" db:"external_id"`
	Kind               ItemKind `json:"kind" db:"kind"`
	ContentFingerprint string   `json:"content_fingerprint" db:"content_fingerprint"`
	Metadata           Metadata `json:"metadata" db:"metadata"`
	UpdatedAt          int64    `json:"updated_at" db:"updated_at"`

	Title    string    `json:"title,omitempty" db:"-"`
	Content  string    `json:"-" db:"-"`
	Language string    `json:"language,omitempty" db:"-"`
	MimeType string    `json:"mime_type,omitempty" db:"-"`
	Messages []Message `json:"-" db:"-"`
	// Cursor resumes the listing right after this item.
	Cursor string `json:"-" db:"-"`
	// SourceUpdatedAt is the upstream modification time when known.
	SourceUpdatedAt int64 `json:"-" db:"-"`
}

// Fingerprint returns the upstream fingerprint or a hash of the content.
func (s *SourceItem) Fingerprint() string {
	if s.ContentFingerprint != "" {
		return s.ContentFingerprint
	}
	if len(s.Messages) > 0 {
		h := newHasher()
		h.add(s.Title, s.Content)
		for _, m := range s.Messages {
			h.add(m.Author, m.Text, m.Timestamp.UTC().Format(time.RFC3339Nano))
		}
		return h.sum()
	}
	return ContentHash(s.Title + "\x00" + s.Content)
}

type Branch struct {
	Name      string `json:"name"`
	CommitSHA string `json:"commit_sha"`
	Default   bool   `json:"default"`
}

type ListAccountsOptions struct {
	TenantID      string
	Status        AccountStatus
	ConnectorKind ConnectorKind
}
