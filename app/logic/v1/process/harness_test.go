package process

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/app/store/memstore"
	"github.com/quka-ai/conhub/pkg/chunker"
	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/connector/localfs"
	"github.com/quka-ai/conhub/pkg/decision"
	"github.com/quka-ai/conhub/pkg/embedding"
	"github.com/quka-ai/conhub/pkg/extractor"
	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/types"
)

const (
	tenant       = "tenant-1"
	defaultWait  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

type harness struct {
	p        *memstore.Provider
	graph    *graph.Graph
	embed    *embedding.Service
	registry *connector.Registry
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p := memstore.New()
	h := &harness{
		p:        p,
		graph:    graph.New(store.NewGraphBackend(p)),
		embed:    embedding.NewService(embedding.DefaultConfig(), embedding.DefaultProfiles(embedding.HashProviderName, "local"), embedding.WithProvider(embedding.NewHashProvider(128))),
		registry: connector.NewRegistry(),
	}
	h.registry.Register(types.CONNECTOR_LOCAL_FS, localfs.New)

	resolver := extractor.NewResolver(store.NewGraphBackend(p), 0.85)
	cfg := core.DefaultSyncConfig()
	h.orch = NewOrchestrator(OrchestratorDeps{
		Stores:   p,
		Registry: h.registry,
		Chunker:  chunker.New(chunker.Config{}),
		Indexer:  NewIndexer(p, h.embed, extractor.New(), h.graph, resolver, nil),
		Graph:    h.graph,
		Locker:   core.NewSingleLock(),
		Slots:    core.NewWorkerSlots(cfg.Concurrency, nil),
		Config:   cfg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) engine() *decision.Engine {
	return decision.New(decision.Config{}, h.embed, h.p.VectorStore(), h.graph, h.p.ChunkStore())
}

func (h *harness) connect(t *testing.T, kind types.ConnectorKind, items types.ItemKind, ref string, cfg types.Metadata) (*types.ConnectedAccount, *types.Source) {
	t.Helper()
	ctx := context.Background()
	account := &types.ConnectedAccount{
		ID:            uuid.NewString(),
		TenantID:      tenant,
		UserID:        "user-1",
		ConnectorKind: kind,
		Status:        types.ACCOUNT_CONNECTED,
	}
	require.NoError(t, h.p.AccountStore().Create(ctx, account))
	src := &types.Source{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		AccountID:   account.ID,
		Connector:   kind,
		Kind:        items,
		Name:        "demo",
		ExternalRef: ref,
		Config:      cfg,
	}
	require.NoError(t, h.p.SourceStore().Create(ctx, src))
	return account, src
}

func (h *harness) sync(t *testing.T, accountID string, forceFull bool) *types.SyncJob {
	t.Helper()
	jobID, err := h.orch.StartSync(context.Background(), tenant, accountID, forceFull)
	require.NoError(t, err)
	return h.wait(t, jobID)
}

func (h *harness) wait(t *testing.T, jobID string) *types.SyncJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := h.orch.Wait(ctx, tenant, jobID)
	require.NoError(t, err)
	return job
}

// step is one element of a scripted listing.
type step struct {
	item *types.SourceItem
	err  error
	// gate blocks the listing before this step until closed.
	gate chan struct{}
}

type scriptedConnector struct {
	kind  types.ConnectorKind
	steps []step
}

func (c *scriptedConnector) Kind() types.ConnectorKind {
	return c.kind
}

func (c *scriptedConnector) Validate(ctx context.Context, _ string) (bool, error) {
	return true, nil
}

func (c *scriptedConnector) ListItems(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	return func(yield func(*types.SourceItem, error) bool) {
		for _, s := range c.steps {
			if s.gate != nil {
				select {
				case <-s.gate:
				case <-ctx.Done():
					return
				}
			}
			var item *types.SourceItem
			if s.item != nil {
				cp := *s.item
				cp.Metadata = s.item.Metadata.Clone()
				item = &cp
			}
			if !yield(item, s.err) {
				return
			}
		}
	}
}

func (c *scriptedConnector) FetchContent(ctx context.Context, src *types.Source, externalID string) (*connector.Content, error) {
	return nil, connector.ErrUnsupported
}

func (h *harness) script(c *scriptedConnector) {
	h.registry.Register(c.kind, func(connector.Deps) (connector.Connector, error) {
		return c, nil
	})
}

func doc(externalID, content string) *types.SourceItem {
	return &types.SourceItem{
		ExternalID: externalID,
		Kind:       types.ITEM_DOCUMENT,
		Title:      externalID,
		Content:    content,
		Cursor:     externalID,
		Metadata:   types.Metadata{types.META_AUTHOR: "bob"},
	}
}
