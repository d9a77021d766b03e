package memstore

import (
	"context"
	"database/sql"
	"sync"

	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/pkg/types"
)

// Provider keeps every table in process memory behind one lock. It backs the
// local mode and the tests; it offers no durability.
type Provider struct {
	mu sync.RWMutex

	accounts      map[string]*types.ConnectedAccount
	sources       map[string]*types.Source
	items         map[string]*types.SourceItem
	chunks        map[string]*types.Chunk
	vectors       map[string]*types.VectorRecord
	entities      map[string]*types.Entity
	canonicals    map[string]*types.CanonicalEntity
	relationships map[string]*types.Relationship
	entityEv      map[evidenceKey]string // -> tenant
	relEv         map[evidenceKey]string
	jobs          map[string]*types.SyncJob

	stores struct {
		account      *AccountStore
		source       *SourceStore
		item         *SourceItemStore
		chunk        *ChunkStore
		vector       *VectorStore
		entity       *EntityStore
		canonical    *CanonicalEntityStore
		relationship *RelationshipStore
		evidence     *EvidenceStore
		job          *SyncJobStore
	}
}

type evidenceKey struct {
	chunkID  string
	targetID string
}

var _ store.Provider = (*Provider)(nil)

func New() *Provider {
	p := &Provider{
		accounts:      map[string]*types.ConnectedAccount{},
		sources:       map[string]*types.Source{},
		items:         map[string]*types.SourceItem{},
		chunks:        map[string]*types.Chunk{},
		vectors:       map[string]*types.VectorRecord{},
		entities:      map[string]*types.Entity{},
		canonicals:    map[string]*types.CanonicalEntity{},
		relationships: map[string]*types.Relationship{},
		entityEv:      map[evidenceKey]string{},
		relEv:         map[evidenceKey]string{},
		jobs:          map[string]*types.SyncJob{},
	}
	p.stores.account = &AccountStore{p}
	p.stores.source = &SourceStore{p}
	p.stores.item = &SourceItemStore{p}
	p.stores.chunk = &ChunkStore{p}
	p.stores.vector = &VectorStore{p}
	p.stores.entity = &EntityStore{p}
	p.stores.canonical = &CanonicalEntityStore{p}
	p.stores.relationship = &RelationshipStore{p}
	p.stores.evidence = &EvidenceStore{p}
	p.stores.job = &SyncJobStore{p}
	return p
}

func (p *Provider) AccountStore() store.AccountStore           { return p.stores.account }
func (p *Provider) SourceStore() store.SourceStore             { return p.stores.source }
func (p *Provider) SourceItemStore() store.SourceItemStore     { return p.stores.item }
func (p *Provider) ChunkStore() store.ChunkStore               { return p.stores.chunk }
func (p *Provider) VectorStore() store.VectorStore             { return p.stores.vector }
func (p *Provider) EntityStore() store.EntityStore             { return p.stores.entity }
func (p *Provider) RelationshipStore() store.RelationshipStore { return p.stores.relationship }
func (p *Provider) EvidenceStore() store.EvidenceStore         { return p.stores.evidence }
func (p *Provider) SyncJobStore() store.SyncJobStore           { return p.stores.job }

func (p *Provider) CanonicalEntityStore() store.CanonicalEntityStore {
	return p.stores.canonical
}

// Transaction runs next directly; every single store call is atomic already.
func (p *Provider) Transaction(ctx context.Context, next func(ctx context.Context) error) error {
	return next(ctx)
}

func notFound() error {
	return sql.ErrNoRows
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// Counts is a row count per table, used to report on local mode.
type Counts struct {
	Items         int `json:"items"`
	Chunks        int `json:"chunks"`
	Vectors       int `json:"vectors"`
	Entities      int `json:"entities"`
	Canonicals    int `json:"canonicals"`
	Relationships int `json:"relationships"`
	Evidence      int `json:"evidence"`
}

func (p *Provider) Counts() Counts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Counts{
		Items:         len(p.items),
		Chunks:        len(p.chunks),
		Vectors:       len(p.vectors),
		Entities:      len(p.entities),
		Canonicals:    len(p.canonicals),
		Relationships: len(p.relationships),
		Evidence:      len(p.entityEv) + len(p.relEv),
	}
}
