package process

import (
	"context"
	"database/sql"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/pkg/chunker"
	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/safe"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/types/protocol"
)

type Slots interface {
	Acquire(ctx context.Context, kind types.ItemKind) error
	Release(kind types.ItemKind)
}

type OrchestratorDeps struct {
	Stores   store.Provider
	Registry *connector.Registry
	Chunker  *chunker.Chunker
	Indexer  *Indexer
	Graph    *graph.Graph
	Locker   core.Locker
	Slots    Slots
	Config   core.SyncConfig
	// Metrics is optional.
	Metrics *core.Metrics
}

// Orchestrator owns the lifecycle of sync jobs. Jobs run on goroutines owned
// by the orchestrator, never by the request that started them.
type Orchestrator struct {
	OrchestratorDeps

	jobs     cmap.ConcurrentMap[string, *runningJob]
	accounts cmap.ConcurrentMap[string, string]
	wg       sync.WaitGroup
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	deps.Config = deps.Config.WithDefaults()
	return &Orchestrator{
		OrchestratorDeps: deps,
		jobs:             cmap.New[*runningJob](),
		accounts:         cmap.New[string](),
	}
}

// NewOrchestratorFromCore wires an orchestrator to the shared components of core.
func NewOrchestratorFromCore(c *core.Core) *Orchestrator {
	indexer := NewIndexer(c.Store(), c.Srv().Embedding(), c.Extractor(), c.Graph(), c.Resolver(), c.Cache())
	return NewOrchestrator(OrchestratorDeps{
		Stores:   c.Store(),
		Registry: c.Srv().Connectors(),
		Chunker:  c.Chunker(),
		Indexer:  indexer,
		Graph:    c.Graph(),
		Locker:   c,
		Slots:    c.WorkerSlots(),
		Config:   c.Cfg().Sync,
		Metrics:  c.Metrics(),
	})
}

type runningJob struct {
	mu        sync.Mutex
	job       types.SyncJob
	cancel    context.CancelFunc
	release   func()
	cancelled atomic.Bool
	// set under mu once finish picked the final status
	settled bool
	done    chan struct{}
}

// requestCancel marks the job cancelled unless finish already settled it.
func (r *runningJob) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.cancelled.Store(true)
	return true
}

// settle closes the job to cancellation and reports whether it was cancelled.
func (r *runningJob) settle() (cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = true
	return r.cancelled.Load()
}

func (r *runningJob) update(fn func(j *types.SyncJob)) {
	r.mu.Lock()
	fn(&r.job)
	r.mu.Unlock()
}

func (r *runningJob) snapshot() *types.SyncJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.job
	return &cp
}

func (o *Orchestrator) StartSync(ctx context.Context, tenantID, accountID string, forceFull bool) (string, error) {
	account, err := o.Stores.AccountStore().Get(ctx, tenantID, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", errors.NewKind("Orchestrator.StartSync", errors.KindNotFound, "account not found", err)
		}
		return "", errors.Trace("Orchestrator.StartSync.GetAccount", err)
	}
	if account.Status == types.ACCOUNT_DISCONNECTED {
		return "", errors.NewKind("Orchestrator.StartSync", errors.KindInvalid, "account is disconnected", nil)
	}

	conn, err := o.Registry.New(account)
	if err != nil {
		return "", errors.Trace("Orchestrator.StartSync.Connector", err)
	}

	jobID := uuid.NewString()
	if !o.accounts.SetIfAbsent(accountID, jobID) {
		return "", errors.NewKind("Orchestrator.StartSync", errors.KindConflict, "a sync job is already running for this account", nil)
	}

	// the lock spans replicas and lives as long as the job
	release, ok, err := o.Locker.TryLock(context.Background(), protocol.GenSyncAccountLockKey(accountID))
	if err != nil || !ok {
		o.accounts.Remove(accountID)
		if err != nil {
			return "", errors.Trace("Orchestrator.StartSync.TryLock", err)
		}
		return "", errors.NewKind("Orchestrator.StartSync", errors.KindConflict, "a sync job is already running for this account", nil)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{
		job: types.SyncJob{
			JobID:     jobID,
			TenantID:  tenantID,
			AccountID: accountID,
			Status:    types.JOB_RUNNING,
			ForceFull: forceFull,
			StartedAt: time.Now().Unix(),
		},
		cancel:  cancel,
		release: release,
		done:    make(chan struct{}),
	}
	o.jobs.Set(jobID, rj)

	if err = o.Stores.AccountStore().UpdateStatus(ctx, tenantID, accountID, types.ACCOUNT_SYNCING); err != nil {
		slog.Warn("failed to mark account syncing", slog.String("account_id", accountID), slog.String("error", err.Error()))
	}
	if o.Metrics != nil {
		o.Metrics.ActiveJobs(string(account.ConnectorKind)).Inc()
	}

	slog.Info("sync job started", slog.String("tenant_id", tenantID), slog.String("job_id", jobID),
		slog.String("account_id", accountID), slog.Bool("force_full", forceFull))

	o.wg.Add(1)
	safe.Go("Orchestrator.run", func() {
		defer o.wg.Done()
		o.run(runCtx, rj, account, conn)
	})
	return jobID, nil
}

func (o *Orchestrator) run(ctx context.Context, rj *runningJob, account *types.ConnectedAccount, conn connector.Connector) {
	var (
		runErr  error
		cursors = map[string]string{}
	)
	defer func() {
		if r := recover(); r != nil {
			runErr = errors.NewKind("Orchestrator.run", errors.KindInternal, "sync job panicked", nil)
			slog.Error("sync job panicked", slog.String("job_id", rj.job.JobID), slog.Any("recover", r))
		}
		o.finish(rj, account, cursors, runErr)
	}()

	sources, err := o.Stores.SourceStore().ListByAccount(ctx, account.TenantID, account.ID)
	if err != nil {
		runErr = errors.Trace("Orchestrator.run.ListSources", err)
		return
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		cursor, err := o.syncSource(ctx, rj, conn, src)
		if err == nil {
			if cursor != "" {
				cursors[src.ID] = cursor
			}
			continue
		}
		if ctx.Err() != nil && rj.cancelled.Load() {
			return
		}
		if errors.Is(err, errors.KindNotFound) {
			slog.Warn("source removed upstream, deleting it", slog.String("job_id", rj.job.JobID),
				slog.String("source_id", src.ID), slog.String("error", err.Error()))
			dctx, cancel := o.storeContext()
			if derr := o.Indexer.DeleteSource(dctx, src.TenantID, src.ID); derr != nil {
				slog.Error("failed to delete removed source", slog.String("source_id", src.ID), slog.String("error", derr.Error()))
			}
			cancel()
		}
		runErr = err
		return
	}
}

func (o *Orchestrator) finish(rj *runningJob, account *types.ConnectedAccount, cursors map[string]string, runErr error) {
	ctx, cancel := o.storeContext()
	defer cancel()

	cancelled := rj.settle()
	status := types.JOB_COMPLETED
	accountStatus := types.ACCOUNT_CONNECTED
	switch {
	case cancelled:
		status = types.JOB_CANCELLED
	case runErr != nil:
		status = types.JOB_FAILED
		if errors.Is(runErr, errors.KindAuth) {
			accountStatus = types.ACCOUNT_ERROR
		}
	}

	if status == types.JOB_COMPLETED {
		for sourceID, cursor := range cursors {
			if err := o.Stores.SourceStore().UpdateCursor(ctx, account.TenantID, sourceID, cursor); err != nil {
				slog.Error("failed to advance source cursor", slog.String("source_id", sourceID), slog.String("error", err.Error()))
			}
		}
		if err := o.Stores.AccountStore().SetLastSync(ctx, account.TenantID, account.ID, time.Now().Unix()); err != nil {
			slog.Warn("failed to record last sync", slog.String("account_id", account.ID), slog.String("error", err.Error()))
		}
	}
	if err := o.Stores.AccountStore().UpdateStatus(ctx, account.TenantID, account.ID, accountStatus); err != nil {
		slog.Warn("failed to update account status", slog.String("account_id", account.ID), slog.String("error", err.Error()))
	}

	rj.update(func(j *types.SyncJob) {
		j.Status = status
		j.FinishedAt = time.Now().Unix()
		if runErr != nil && status == types.JOB_FAILED {
			j.Error = errors.MessageOf(runErr)
			j.ErrorKind = string(errors.KindOf(runErr))
		}
	})
	final := rj.snapshot()

	if err := o.Stores.SyncJobStore().Save(ctx, final); err != nil {
		slog.Error("failed to archive sync job", slog.String("job_id", final.JobID), slog.String("error", err.Error()))
	}
	o.jobs.Remove(final.JobID)
	rj.release()
	o.accounts.RemoveCb(final.AccountID, func(key, jobID string, exists bool) bool {
		return exists && jobID == final.JobID
	})
	rj.cancel()
	close(rj.done)

	if o.Metrics != nil {
		o.Metrics.SyncJobInc(string(status))
		o.Metrics.ActiveJobs(string(account.ConnectorKind)).Dec()
	}

	attrs := []any{
		slog.String("tenant_id", final.TenantID), slog.String("job_id", final.JobID),
		slog.String("status", string(status)), slog.Int64("items_processed", final.ItemsProcessed),
		slog.Int64("items_unchanged", final.ItemsUnchanged), slog.Int64("items_failed", final.ItemsFailed),
		slog.Int64("chunks_indexed", final.ChunksIndexed),
	}
	if runErr != nil && status == types.JOB_FAILED {
		slog.Error("sync job failed", append(attrs, slog.String("error", runErr.Error()))...)
		return
	}
	slog.Info("sync job finished", attrs...)
}

// syncSource pulls one source through the worker pool and returns the cursor
// to persist once the whole job completes.
func (o *Orchestrator) syncSource(ctx context.Context, rj *runningJob, conn connector.Connector, src *types.Source) (string, error) {
	cursor := src.Cursor
	snapshot := false
	if sl, ok := conn.(connector.SnapshotLister); ok && sl.SnapshotListing(src) {
		snapshot = true
	}
	if rj.job.ForceFull || snapshot {
		cursor = ""
	}
	fromStart := cursor == ""

	if counter, ok := conn.(connector.Counter); ok {
		cctx, cancel := context.WithTimeout(ctx, o.Config.ConnectorTimeout)
		if n, err := counter.CountItems(cctx, src); err == nil {
			rj.update(func(j *types.SyncJob) { j.TotalItems += n })
		}
		cancel()
	}

	queue := make(chan *types.SourceItem, o.Config.QueueSize)
	eg, wctx := errgroup.WithContext(ctx)
	for range o.Config.Workers(src.Kind) {
		eg.Go(func() error {
			return o.work(wctx, rj, src, queue)
		})
	}

	last, seen, listErr := o.produce(wctx, rj, conn, src, cursor, queue)
	close(queue)
	if err := eg.Wait(); err != nil && listErr == nil {
		listErr = err
	}
	if listErr != nil {
		return "", listErr
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Trace("Orchestrator.syncSource", err)
	}

	if fromStart {
		if err := o.deleteUnseen(ctx, rj, src, seen); err != nil {
			return "", err
		}
	}
	if snapshot {
		return "", nil
	}
	return last, nil
}

func (o *Orchestrator) produce(ctx context.Context, rj *runningJob, conn connector.Connector, src *types.Source, cursor string, queue chan<- *types.SourceItem) (string, map[string]struct{}, error) {
	var (
		last = cursor
		seen = map[string]struct{}{}
	)

	for item, err := range conn.ListItems(ctx, src, cursor) {
		if err != nil {
			if bp, ok := connector.AsBackPressure(err); ok {
				wait := min(bp.RetryAfter, o.Config.MaxBackPressure)
				select {
				case <-ctx.Done():
					return last, seen, errors.Trace("Orchestrator.produce", ctx.Err())
				case <-time.After(wait):
				}
				continue
			}
			if ie, ok := connector.AsItemError(err); ok {
				id := types.SourceItemID(src.ID, ie.ExternalID)
				seen[id] = struct{}{}
				if errors.Is(ie.Err, errors.KindNotFound) {
					o.deleteItem(ctx, rj, src, id)
					continue
				}
				o.itemFailed(rj, src, ie.ExternalID, ie.Err)
				continue
			}
			return last, seen, errors.Trace("Orchestrator.produce.ListItems", err)
		}

		o.prepare(src, item)
		seen[item.ID] = struct{}{}
		if item.Cursor != "" {
			last = item.Cursor
		}

		if !rj.job.ForceFull {
			stored, err := o.Stores.SourceItemStore().Fingerprint(ctx, src.TenantID, item.ID)
			if err != nil {
				o.itemFailed(rj, src, item.ExternalID, err)
				continue
			}
			if stored != "" && stored == item.ContentFingerprint {
				rj.update(func(j *types.SyncJob) {
					j.ItemsProcessed++
					j.ItemsUnchanged++
				})
				o.observeItem(src.Kind, "unchanged")
				continue
			}
		}

		select {
		case queue <- item:
		case <-ctx.Done():
			return last, seen, errors.Trace("Orchestrator.produce", ctx.Err())
		}
	}
	return last, seen, nil
}

func (o *Orchestrator) prepare(src *types.Source, item *types.SourceItem) {
	item.TenantID = src.TenantID
	item.SourceID = src.ID
	if item.ID == "" {
		item.ID = types.SourceItemID(src.ID, item.ExternalID)
	}
	if item.Kind == "" {
		item.Kind = src.Kind
	}
	if item.Metadata == nil {
		item.Metadata = types.Metadata{}
	}
	item.Metadata[types.META_CONNECTOR] = string(src.Connector)
	if item.Metadata.String(types.META_REPOSITORY) == "" && src.Kind == types.ITEM_CODE_REPO {
		item.Metadata[types.META_REPOSITORY] = src.Name
	}
	item.ContentFingerprint = item.Fingerprint()
}

func (o *Orchestrator) work(ctx context.Context, rj *runningJob, src *types.Source, queue <-chan *types.SourceItem) error {
	for item := range queue {
		if err := o.Slots.Acquire(ctx, src.Kind); err != nil {
			return errors.Trace("Orchestrator.work", err)
		}
		err := safe.Call(func() error {
			return o.processItem(ctx, rj, src, item)
		})
		o.Slots.Release(src.Kind)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return errors.Trace("Orchestrator.work", ctx.Err())
		}
		o.itemFailed(rj, src, item.ExternalID, err)
	}
	return nil
}

// processItem chunks one item and commits it batch by batch. Cancellation is
// observed between batches; a batch that started always completes.
func (o *Orchestrator) processItem(ctx context.Context, rj *runningJob, src *types.Source, item *types.SourceItem) error {
	chunks, err := o.Chunker.Chunk(item)
	if err != nil {
		return err
	}

	for batch := range slices.Chunk(chunks, o.Config.BatchSize) {
		if err = ctx.Err(); err != nil {
			return errors.Trace("Orchestrator.processItem", err)
		}
		n, err := o.commitBatch(ctx, src, batch)
		if err != nil {
			return err
		}
		rj.update(func(j *types.SyncJob) { j.ChunksIndexed += int64(n) })
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Config.StoreTimeout)
	defer cancel()
	if err = o.Indexer.Finalize(fctx, item, len(chunks)); err != nil {
		return err
	}
	rj.update(func(j *types.SyncJob) { j.ItemsProcessed++ })
	o.observeItem(src.Kind, "indexed")
	return nil
}

func (o *Orchestrator) commitBatch(ctx context.Context, src *types.Source, batch []*types.Chunk) (int, error) {
	if o.Metrics != nil {
		timer := o.Metrics.SyncBatchTimer(string(src.Kind))
		defer timer.ObserveDuration()
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Config.BatchTimeout)
	defer cancel()
	return o.Indexer.IndexBatch(bctx, src.Connector, batch)
}

func (o *Orchestrator) deleteUnseen(ctx context.Context, rj *runningJob, src *types.Source, seen map[string]struct{}) error {
	ids, err := o.Stores.SourceItemStore().ListIDsBySource(ctx, src.TenantID, src.ID)
	if err != nil {
		return errors.Trace("Orchestrator.deleteUnseen", err)
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		o.deleteItem(ctx, rj, src, id)
	}
	return nil
}

func (o *Orchestrator) deleteItem(ctx context.Context, rj *runningJob, src *types.Source, itemID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Config.StoreTimeout)
	defer cancel()
	if err := o.Indexer.DeleteItem(dctx, src.TenantID, itemID); err != nil {
		slog.Warn("failed to delete item removed upstream", slog.String("job_id", rj.job.JobID),
			slog.String("source_item_id", itemID), slog.String("error", err.Error()))
		return
	}
	rj.update(func(j *types.SyncJob) { j.ItemsDeleted++ })
	o.observeItem(src.Kind, "deleted")
}

func (o *Orchestrator) itemFailed(rj *runningJob, src *types.Source, externalID string, err error) {
	rj.update(func(j *types.SyncJob) { j.ItemsFailed++ })
	o.observeItem(src.Kind, "failed")
	attrs := []any{
		slog.String("job_id", rj.job.JobID), slog.String("source_id", src.ID),
		slog.String("external_id", externalID), slog.String("error", err.Error()),
	}
	if errors.Is(err, errors.KindDataIntegrity) {
		slog.Error("item failed", attrs...)
		return
	}
	slog.Warn("item failed", attrs...)
}

func (o *Orchestrator) observeItem(kind types.ItemKind, result string) {
	if o.Metrics != nil {
		o.Metrics.SyncItemInc(string(kind), result)
	}
}

func (o *Orchestrator) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.Config.StoreTimeout)
}

// Cancel stops a running job cooperatively. Batches already committed stay.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, jobID string) error {
	rj, ok := o.jobs.Get(jobID)
	if !ok || rj.job.TenantID != tenantID {
		if _, err := o.Status(ctx, tenantID, jobID); err != nil {
			return err
		}
		return errors.NewKind("Orchestrator.Cancel", errors.KindConflict, "sync job already finished", nil)
	}
	if !rj.requestCancel() {
		return errors.NewKind("Orchestrator.Cancel", errors.KindConflict, "sync job already finished", nil)
	}
	rj.cancel()
	slog.Info("sync job cancellation requested", slog.String("tenant_id", tenantID), slog.String("job_id", jobID))
	return nil
}

// Status returns the live job or, once it finished, its archived record.
func (o *Orchestrator) Status(ctx context.Context, tenantID, jobID string) (*types.SyncJob, error) {
	if rj, ok := o.jobs.Get(jobID); ok && rj.job.TenantID == tenantID {
		return rj.snapshot(), nil
	}
	job, err := o.Stores.SyncJobStore().Get(ctx, tenantID, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewKind("Orchestrator.Status", errors.KindNotFound, "sync job not found", err)
		}
		return nil, errors.Trace("Orchestrator.Status", err)
	}
	return job, nil
}

func (o *Orchestrator) ActiveJobs(ctx context.Context, tenantID string) []*types.SyncJob {
	var list []*types.SyncJob
	for _, rj := range o.jobs.Items() {
		if job := rj.snapshot(); job.TenantID == tenantID {
			list = append(list, job)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt != list[j].StartedAt {
			return list[i].StartedAt < list[j].StartedAt
		}
		return list[i].JobID < list[j].JobID
	})
	return lo.Filter(list, func(j *types.SyncJob, _ int) bool {
		return j.Status == types.JOB_RUNNING
	})
}

// History lists the archived jobs of an account, newest first.
func (o *Orchestrator) History(ctx context.Context, tenantID, accountID string) ([]*types.SyncJob, error) {
	list, err := o.Stores.SyncJobStore().ListByAccount(ctx, tenantID, accountID, o.Config.ArchiveQueryLimit)
	if err != nil {
		return nil, errors.Trace("Orchestrator.History", err)
	}
	return list, nil
}

// Wait blocks until the job finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, tenantID, jobID string) (*types.SyncJob, error) {
	if rj, ok := o.jobs.Get(jobID); ok && rj.job.TenantID == tenantID {
		select {
		case <-rj.done:
			return rj.snapshot(), nil
		case <-ctx.Done():
			return nil, errors.Trace("Orchestrator.Wait", ctx.Err())
		}
	}
	return o.Status(ctx, tenantID, jobID)
}

// ForgetAccount cancels the account's job and deletes every source of the
// account with everything indexed from it, then collects graph orphans.
func (o *Orchestrator) ForgetAccount(ctx context.Context, tenantID, accountID string) error {
	if jobID, ok := o.accounts.Get(accountID); ok {
		// a job that is already finishing is waited for as well
		if err := o.Cancel(ctx, tenantID, jobID); err == nil || errors.Is(err, errors.KindConflict) {
			if _, err = o.Wait(ctx, tenantID, jobID); err != nil {
				return err
			}
		}
	}

	sources, err := o.Stores.SourceStore().ListByAccount(ctx, tenantID, accountID)
	if err != nil {
		return errors.Trace("Orchestrator.ForgetAccount.ListSources", err)
	}
	for _, src := range sources {
		if err = o.Indexer.DeleteSource(ctx, tenantID, src.ID); err != nil {
			return err
		}
	}
	if o.Graph != nil {
		// the account's entities are gone for good, no grace window
		stats, err := o.Graph.GCBefore(ctx, time.Now())
		if err != nil {
			return err
		}
		slog.Info("account forgotten", slog.String("tenant_id", tenantID), slog.String("account_id", accountID),
			slog.Int("sources", len(sources)), slog.Int("orphan_entities", len(stats.Entities)))
	}
	return nil
}

// Shutdown cancels every running job and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, rj := range o.jobs.Items() {
		rj.requestCancel()
		rj.cancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("sync jobs still running at shutdown")
	}
}
