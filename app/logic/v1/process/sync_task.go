package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/queue"
	"github.com/quka-ai/conhub/pkg/register"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/types/protocol"
)

func init() {
	register.RegisterFunc[*Process](ProcessKey{}, func(p *Process) {
		cfg := p.Core().Cfg()

		if p.AsynqClient() != nil {
			q := queue.NewSyncQueueWithClient(cfg.Redis.KeyPrefix, p.AsynqClient())
			p.SetSyncQueue(q)
			q.SetupHandler(p.AsynqServerMux(), func(ctx context.Context, task *queue.SyncTask) error {
				return handleSyncTask(ctx, p, task)
			})
		}

		if cfg.Cron.Sync != "" {
			if _, err := p.Cron().AddFunc(cfg.Cron.Sync, func() {
				scheduleSyncs(p)
			}); err != nil {
				slog.Error("invalid sync schedule", slog.String("spec", cfg.Cron.Sync), slog.String("error", err.Error()))
			}
		}

		gc := cfg.Cron.GC
		if gc == "" {
			gc = "@every 1h"
		}
		if _, err := p.Cron().AddFunc(gc, func() {
			collectOrphans(p)
		}); err != nil {
			slog.Error("invalid gc schedule", slog.String("spec", gc), slog.String("error", err.Error()))
		}

		slog.Info("sync background tasks registered")
	})
}

// handleSyncTask starts the job and returns; the job itself is owned by the
// orchestrator. A job already running for the account absorbs the task.
func handleSyncTask(ctx context.Context, p *Process, task *queue.SyncTask) error {
	jobID, err := p.Orchestrator().StartSync(ctx, task.TenantID, task.AccountID, task.ForceFull)
	switch {
	case err == nil:
		slog.Info("sync task started job", slog.String("job_id", jobID),
			slog.String("account_id", task.AccountID), slog.String("reason", task.Reason))
		return nil
	case errors.Is(err, errors.KindConflict):
		slog.Debug("sync already running, task absorbed", slog.String("account_id", task.AccountID))
		return nil
	case errors.Retryable(err):
		return err
	default:
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
}

// EnqueueSync hands a sync to the task queue when one is configured and
// starts it in process otherwise.
func EnqueueSync(ctx context.Context, p *Process, task *queue.SyncTask) error {
	if q := p.syncQueue; q != nil {
		return q.EnqueueTask(ctx, task)
	}
	_, err := p.Orchestrator().StartSync(ctx, task.TenantID, task.AccountID, task.ForceFull)
	if errors.Is(err, errors.KindConflict) {
		return nil
	}
	return err
}

// Enqueue dispatches task through the running background process.
func Enqueue(ctx context.Context, task *queue.SyncTask) error {
	if p == nil {
		return errors.NewKind("process.Enqueue", errors.KindConfiguration, "background process is not running", nil)
	}
	return EnqueueSync(ctx, p, task)
}

func scheduleSyncs(p *Process) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	accounts, err := p.Core().Store().AccountStore().List(ctx, types.ListAccountsOptions{
		Status: types.ACCOUNT_CONNECTED,
	})
	if err != nil {
		slog.Error("failed to list accounts for scheduled sync", slog.String("error", err.Error()))
		return
	}

	for _, a := range accounts {
		err := EnqueueSync(ctx, p, &queue.SyncTask{
			TenantID:  a.TenantID,
			AccountID: a.ID,
			Reason:    "cron",
		})
		if err != nil {
			slog.Warn("failed to schedule sync", slog.String("tenant_id", a.TenantID),
				slog.String("account_id", a.ID), slog.String("error", err.Error()))
		}
	}
	if len(accounts) > 0 {
		slog.Info("scheduled incremental syncs", slog.Int("accounts", len(accounts)))
	}
}

func collectOrphans(p *Process) {
	// every replica runs the schedule; one collection per window is enough
	release, ok, err := p.Core().TryLock(context.Background(), protocol.GenGraphGCLockKey())
	if err != nil || !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	stats, err := p.Core().Graph().GC(ctx)
	if err != nil {
		slog.Error("graph gc failed", slog.String("error", err.Error()))
		return
	}
	slog.Info("graph gc finished",
		slog.Int("entities", len(stats.Entities)),
		slog.Int("relationships", len(stats.Relationships)),
		slog.Int("canonicals", len(stats.Canonicals)))
}
