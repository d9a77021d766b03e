package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const (
	helloV1 = "def greet(name): return f\"hi {name}\"\n"
	helloV2 = "def greet(name): return name.upper()\n"
	readme  = "The `greet` function says hi to a caller."
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func (h *harness) itemChunks(t *testing.T, src *types.Source, externalID string) []*types.Chunk {
	t.Helper()
	chunks, err := h.p.ChunkStore().ListBySourceItem(context.Background(), tenant, types.SourceItemID(src.ID, externalID))
	require.NoError(t, err)
	return chunks
}

func (h *harness) greetEntity(t *testing.T) *types.Entity {
	t.Helper()
	list, err := h.p.EntityStore().SearchByName(context.Background(), tenant, []string{"greet"}, []types.EntityType{types.ENTITY_FUNCTION}, 10)
	require.NoError(t, err)
	e, ok := lo.Find(list, func(e *types.Entity) bool { return e.Name == "greet" })
	require.True(t, ok, "greet function entity")
	return e
}

// assertNoOrphanVectors checks that every vector of the tenant hydrates.
func (h *harness) assertNoOrphanVectors(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	query := make([]float32, 128)
	query[0] = 1
	hits, err := h.p.VectorStore().Search(ctx, query, 10000, types.VectorFilter{TenantID: tenant})
	require.NoError(t, err)
	ids := lo.Map(hits, func(h *types.VectorHit, _ int) string { return h.ChunkID })
	chunks, err := h.p.ChunkStore().FetchByIDs(ctx, tenant, ids)
	require.NoError(t, err)
	for _, id := range ids {
		assert.Contains(t, chunks, id, "vector without chunk")
	}
}

func TestCodeRepositoryLifecycle(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "hello.py", helloV1)
	account, src := h.connect(t, types.CONNECTOR_LOCAL_FS, types.ITEM_CODE_REPO, dir, types.Metadata{"author": "alice"})
	ctx := context.Background()

	var firstHash string
	t.Run("initial sync indexes the file", func(t *testing.T) {
		job := h.sync(t, account.ID, false)
		assert.Equal(t, types.JOB_COMPLETED, job.Status)
		assert.EqualValues(t, 1, job.ItemsProcessed)
		assert.EqualValues(t, 1, job.TotalItems)
		assert.Positive(t, job.ChunksIndexed)

		chunks := h.itemChunks(t, src, "hello.py")
		require.NotEmpty(t, chunks)
		code, ok := lo.Find(chunks, func(c *types.Chunk) bool { return c.BlockType == types.BLOCK_CODE })
		require.True(t, ok)
		assert.Equal(t, "python", code.Language)
		firstHash = code.ContentHash

		vectors, err := h.p.VectorStore().FetchByIDs(ctx, tenant, []string{code.ChunkID})
		require.NoError(t, err)
		assert.Contains(t, vectors, code.ChunkID)

		h.greetEntity(t)

		acc, err := h.p.AccountStore().Get(ctx, tenant, account.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ACCOUNT_CONNECTED, acc.Status)
		assert.Positive(t, acc.LastSyncAt)
	})

	t.Run("resync without changes writes nothing", func(t *testing.T) {
		before := h.p.Counts()
		job := h.sync(t, account.ID, false)
		assert.Equal(t, types.JOB_COMPLETED, job.Status)
		assert.EqualValues(t, 1, job.ItemsProcessed)
		assert.EqualValues(t, 1, job.ItemsUnchanged)
		assert.Zero(t, job.ChunksIndexed)
		assert.Equal(t, before, h.p.Counts())
	})

	t.Run("force full reindexes nothing that did not change", func(t *testing.T) {
		before := h.p.Counts()
		job := h.sync(t, account.ID, true)
		assert.Equal(t, types.JOB_COMPLETED, job.Status)
		assert.True(t, job.ForceFull)
		assert.EqualValues(t, 1, job.ItemsProcessed)
		assert.Zero(t, job.ItemsUnchanged)
		assert.Zero(t, job.ChunksIndexed)
		assert.Equal(t, before, h.p.Counts())
	})

	t.Run("changed function is reindexed in place", func(t *testing.T) {
		entity := h.greetEntity(t)
		oldHash := entity.Properties.String("content_hash")
		code, _ := lo.Find(h.itemChunks(t, src, "hello.py"), func(c *types.Chunk) bool { return c.BlockType == types.BLOCK_CODE })
		oldVectors, err := h.p.VectorStore().FetchByIDs(ctx, tenant, []string{code.ChunkID})
		require.NoError(t, err)

		writeFile(t, dir, "hello.py", helloV2)
		job := h.sync(t, account.ID, false)
		assert.Equal(t, types.JOB_COMPLETED, job.Status)
		assert.Positive(t, job.ChunksIndexed)

		updated, ok := lo.Find(h.itemChunks(t, src, "hello.py"), func(c *types.Chunk) bool { return c.ChunkID == code.ChunkID })
		require.True(t, ok)
		assert.NotEqual(t, firstHash, updated.ContentHash)
		assert.Contains(t, updated.Content, "upper")

		vectors, err := h.p.VectorStore().FetchByIDs(ctx, tenant, []string{code.ChunkID})
		require.NoError(t, err)
		require.Contains(t, vectors, code.ChunkID)
		assert.Contains(t, vectors[code.ChunkID].Payload.Preview, "upper")
		assert.NotEqual(t, oldVectors[code.ChunkID].Embedding, vectors[code.ChunkID].Embedding)

		after := h.greetEntity(t)
		assert.Equal(t, entity.ID, after.ID)
		assert.NotEqual(t, oldHash, after.Properties.String("content_hash"))
	})

	writeFile(t, dir, "hello.py", helloV1)
	writeFile(t, dir, "README.md", readme)
	job := h.sync(t, account.ID, false)
	require.Equal(t, types.JOB_COMPLETED, job.Status)
	require.EqualValues(t, 2, job.ItemsProcessed)

	t.Run("authorship question follows the graph", func(t *testing.T) {
		resp, err := h.engine().Query(ctx, types.ContextQuery{
			TenantID: tenant, Query: "who wrote the greet function", Strategy: types.STRATEGY_AUTO, TopK: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, types.STRATEGY_GRAPH, resp.StrategyUsed)
		block, ok := lo.Find(resp.Blocks, func(b types.ContextBlock) bool {
			return b.Source.SourceItemID == types.SourceItemID(src.ID, "hello.py")
		})
		require.True(t, ok)
		assert.Equal(t, types.PROVENANCE_GRAPH, block.Provenance.Kind)
		assert.Contains(t, block.Provenance.RelationshipTypes, types.REL_AUTHORED_BY)
		assert.Contains(t, block.Provenance.Path, "greet")
	})

	t.Run("explanation blends vector and graph", func(t *testing.T) {
		resp, err := h.engine().Query(ctx, types.ContextQuery{
			TenantID: tenant, Query: "explain the greet function", Strategy: types.STRATEGY_AUTO, TopK: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, types.STRATEGY_HYBRID, resp.StrategyUsed)
		assert.LessOrEqual(t, resp.Total, 2)
		kinds := lo.Uniq(lo.Map(resp.Blocks, func(b types.ContextBlock, _ int) types.ProvenanceKind { return b.Provenance.Kind }))
		assert.ElementsMatch(t, []types.ProvenanceKind{types.PROVENANCE_VECTOR, types.PROVENANCE_GRAPH}, kinds)
	})

	t.Run("removed file is deleted on the next sync", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "README.md")))
		job := h.sync(t, account.ID, false)
		assert.Equal(t, types.JOB_COMPLETED, job.Status)
		assert.EqualValues(t, 1, job.ItemsDeleted)
		assert.Empty(t, h.itemChunks(t, src, "README.md"))

		fp, err := h.p.SourceItemStore().Fingerprint(ctx, tenant, types.SourceItemID(src.ID, "README.md"))
		require.NoError(t, err)
		assert.Empty(t, fp)
		h.assertNoOrphanVectors(t)
	})

	t.Run("history lists the archived jobs", func(t *testing.T) {
		list, err := h.orch.History(ctx, tenant, account.ID)
		require.NoError(t, err)
		assert.Len(t, list, 6)
		for _, j := range list {
			assert.True(t, j.Status.Terminal())
		}
	})
}

func TestCancelKeepsCommittedBatches(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.script(&scriptedConnector{kind: types.CONNECTOR_WEB, steps: []step{
		{item: doc("a", "Alpha document about the deployment pipeline.")},
		{item: doc("b", "Beta document that never arrives."), gate: gate},
	}})
	account, src := h.connect(t, types.CONNECTOR_WEB, types.ITEM_DOCUMENT, "https://example.com", nil)
	ctx := context.Background()

	jobID, err := h.orch.StartSync(ctx, tenant, account.ID, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := h.orch.Status(ctx, tenant, jobID)
		return err == nil && job.ItemsProcessed >= 1
	}, 5*time.Second, 10*time.Millisecond)

	active := h.orch.ActiveJobs(ctx, tenant)
	require.Len(t, active, 1)
	assert.Equal(t, jobID, active[0].JobID)

	require.NoError(t, h.orch.Cancel(ctx, tenant, jobID))
	job := h.wait(t, jobID)
	assert.Equal(t, types.JOB_CANCELLED, job.Status)
	assert.EqualValues(t, 1, job.ItemsProcessed)
	assert.Empty(t, job.Error)
	assert.Empty(t, h.orch.ActiveJobs(ctx, tenant))

	assert.NotEmpty(t, h.itemChunks(t, src, "a"))
	assert.Empty(t, h.itemChunks(t, src, "b"))
	h.assertNoOrphanVectors(t)

	resp, err := h.engine().Query(ctx, types.ContextQuery{TenantID: tenant, Query: "deployment pipeline", Strategy: types.STRATEGY_VECTOR, TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Blocks)
	assert.Equal(t, types.SourceItemID(src.ID, "a"), resp.Blocks[0].Source.SourceItemID)

	archived, err := h.orch.Status(ctx, tenant, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JOB_CANCELLED, archived.Status)

	err = h.orch.Cancel(ctx, tenant, jobID)
	assert.True(t, errors.Is(err, errors.KindConflict))

	src2, err := h.p.SourceStore().Get(ctx, tenant, src.ID)
	require.NoError(t, err)
	assert.Empty(t, src2.Cursor, "cancelled job must not advance the cursor")

	acc, err := h.p.AccountStore().Get(ctx, tenant, account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ACCOUNT_CONNECTED, acc.Status)
}

func TestCancelAfterFinishSettledIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rj := &runningJob{job: types.SyncJob{JobID: "j1", TenantID: tenant}, cancel: func() {}, done: make(chan struct{})}
	h.orch.jobs.Set("j1", rj)

	assert.False(t, rj.settle())
	err := h.orch.Cancel(ctx, tenant, "j1")
	assert.True(t, errors.Is(err, errors.KindConflict))
	assert.False(t, rj.cancelled.Load(), "a settled job keeps its status")

	other := &runningJob{job: types.SyncJob{JobID: "j2", TenantID: tenant}, cancel: func() {}, done: make(chan struct{})}
	h.orch.jobs.Set("j2", other)
	require.NoError(t, h.orch.Cancel(ctx, tenant, "j2"))
	assert.True(t, other.settle(), "finish sees a cancellation accepted before it")
}

func TestOneJobPerAccount(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.script(&scriptedConnector{kind: types.CONNECTOR_WEB, steps: []step{
		{item: doc("a", "first"), gate: gate},
	}})
	account, _ := h.connect(t, types.CONNECTOR_WEB, types.ITEM_DOCUMENT, "https://example.com", nil)
	ctx := context.Background()

	jobID, err := h.orch.StartSync(ctx, tenant, account.ID, false)
	require.NoError(t, err)

	_, err = h.orch.StartSync(ctx, tenant, account.ID, true)
	assert.True(t, errors.Is(err, errors.KindConflict))

	acc, err := h.p.AccountStore().Get(ctx, tenant, account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ACCOUNT_SYNCING, acc.Status)

	close(gate)
	job := h.wait(t, jobID)
	assert.Equal(t, types.JOB_COMPLETED, job.Status)

	// the account is free again once the job finished
	job = h.sync(t, account.ID, false)
	assert.Equal(t, types.JOB_COMPLETED, job.Status)
	assert.EqualValues(t, 1, job.ItemsUnchanged)
}

func TestStartSyncRejectsUnknownAndDisconnectedAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.StartSync(ctx, tenant, "missing", false)
	assert.True(t, errors.Is(err, errors.KindNotFound))

	account, _ := h.connect(t, types.CONNECTOR_LOCAL_FS, types.ITEM_CODE_REPO, t.TempDir(), nil)
	_, err = h.orch.StartSync(ctx, "other-tenant", account.ID, false)
	assert.True(t, errors.Is(err, errors.KindNotFound))

	require.NoError(t, h.p.AccountStore().UpdateStatus(ctx, tenant, account.ID, types.ACCOUNT_DISCONNECTED))
	_, err = h.orch.StartSync(ctx, tenant, account.ID, false)
	assert.True(t, errors.Is(err, errors.KindInvalid))
}

func TestAuthFailureMarksAccount(t *testing.T) {
	h := newHarness(t)
	h.script(&scriptedConnector{kind: types.CONNECTOR_WEB, steps: []step{
		{item: doc("a", "indexed before the token expired")},
		{err: errors.NewKind("web.list", errors.KindAuth, "token revoked", nil)},
	}})
	account, src := h.connect(t, types.CONNECTOR_WEB, types.ITEM_DOCUMENT, "https://example.com", nil)
	ctx := context.Background()

	job := h.sync(t, account.ID, false)
	assert.Equal(t, types.JOB_FAILED, job.Status)
	assert.Equal(t, string(errors.KindAuth), job.ErrorKind)
	assert.Equal(t, "token revoked", job.Error)

	acc, err := h.p.AccountStore().Get(ctx, tenant, account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ACCOUNT_ERROR, acc.Status)

	got, err := h.p.SourceStore().Get(ctx, tenant, src.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Cursor)
}

func TestTransientFailureKeepsAccountConnected(t *testing.T) {
	h := newHarness(t)
	h.script(&scriptedConnector{kind: types.CONNECTOR_WEB, steps: []step{
		{err: errors.NewKind("web.list", errors.KindTransient, "upstream unavailable", nil)},
	}})
	account, _ := h.connect(t, types.CONNECTOR_WEB, types.ITEM_DOCUMENT, "https://example.com", nil)

	job := h.sync(t, account.ID, false)
	assert.Equal(t, types.JOB_FAILED, job.Status)
	assert.Equal(t, string(errors.KindTransient), job.ErrorKind)

	acc, err := h.p.AccountStore().Get(context.Background(), tenant, account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ACCOUNT_CONNECTED, acc.Status)
}

func TestRemovedSourceIsDeleted(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "hello.py", helloV1)
	account, src := h.connect(t, types.CONNECTOR_LOCAL_FS, types.ITEM_CODE_REPO, dir, nil)
	ctx := context.Background()

	require.Equal(t, types.JOB_COMPLETED, h.sync(t, account.ID, false).Status)
	require.NotZero(t, h.p.Counts().Chunks)

	require.NoError(t, os.RemoveAll(dir))
	job := h.sync(t, account.ID, false)
	assert.Equal(t, types.JOB_FAILED, job.Status)
	assert.Equal(t, string(errors.KindNotFound), job.ErrorKind)

	_, err := h.p.SourceStore().Get(ctx, tenant, src.ID)
	assert.Error(t, err)
	counts := h.p.Counts()
	assert.Zero(t, counts.Chunks)
	assert.Zero(t, counts.Vectors)
	assert.Zero(t, counts.Items)
}

func TestListingSurvivesBackPressureAndItemErrors(t *testing.T) {
	h := newHarness(t)
	h.script(&scriptedConnector{kind: types.CONNECTOR_WEB, steps: []step{
		{item: doc("a", "first page")},
		{err: &connector.BackPressureError{RetryAfter: 5 * time.Millisecond}},
		{err: &connector.ItemError{ExternalID: "broken", Err: errors.NewKind("web.fetch", errors.KindDataIntegrity, "not utf-8", nil)}},
		{item: doc("b", "second page")},
	}})
	account, src := h.connect(t, types.CONNECTOR_WEB, types.ITEM_DOCUMENT, "https://example.com", nil)
	ctx := context.Background()

	job := h.sync(t, account.ID, false)
	assert.Equal(t, types.JOB_COMPLETED, job.Status)
	assert.EqualValues(t, 2, job.ItemsProcessed)
	assert.EqualValues(t, 1, job.ItemsFailed)

	got, err := h.p.SourceStore().Get(ctx, tenant, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Cursor)
	assert.NotEmpty(t, h.itemChunks(t, src, "b"))
}

func TestItemReportedMissingIsDeleted(t *testing.T) {
	h := newHarness(t)
	conn := &scriptedConnector{kind: types.CONNECTOR_WEB, steps: []step{
		{item: doc("a", "kept page")},
		{item: doc("b", "page that goes away")},
	}}
	h.script(conn)
	account, src := h.connect(t, types.CONNECTOR_WEB, types.ITEM_DOCUMENT, "https://example.com", nil)

	require.Equal(t, types.JOB_COMPLETED, h.sync(t, account.ID, false).Status)
	require.NotEmpty(t, h.itemChunks(t, src, "b"))

	conn.steps = []step{
		{err: &connector.ItemError{ExternalID: "b", Err: errors.NewKind("web.fetch", errors.KindNotFound, "gone", nil)}},
	}
	job := h.sync(t, account.ID, false)
	assert.Equal(t, types.JOB_COMPLETED, job.Status)
	assert.EqualValues(t, 1, job.ItemsDeleted)
	assert.Empty(t, h.itemChunks(t, src, "b"))
	assert.NotEmpty(t, h.itemChunks(t, src, "a"))
	h.assertNoOrphanVectors(t)
}

func TestForgetAccountDeletesEverything(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "hello.py", helloV1)
	account, _ := h.connect(t, types.CONNECTOR_LOCAL_FS, types.ITEM_CODE_REPO, dir, types.Metadata{"author": "alice"})
	ctx := context.Background()

	require.Equal(t, types.JOB_COMPLETED, h.sync(t, account.ID, false).Status)
	require.NotZero(t, h.p.Counts().Entities)

	require.NoError(t, h.orch.ForgetAccount(ctx, tenant, account.ID))
	counts := h.p.Counts()
	assert.Zero(t, counts.Items)
	assert.Zero(t, counts.Chunks)
	assert.Zero(t, counts.Vectors)
	assert.Zero(t, counts.Evidence)
	assert.Zero(t, counts.Entities)

	sources, err := h.p.SourceStore().ListByAccount(ctx, tenant, account.ID)
	require.NoError(t, err)
	assert.Empty(t, sources)
}
