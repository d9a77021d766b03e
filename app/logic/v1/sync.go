package v1

import (
	"context"
	"log/slog"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/app/logic/v1/process"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/queue"
	"github.com/quka-ai/conhub/pkg/types"
)

type SyncLogic struct {
	UserInfo
	ctx  context.Context
	core *core.Core
}

func NewSyncLogic(ctx context.Context, core *core.Core) *SyncLogic {
	return &SyncLogic{
		ctx:      ctx,
		core:     core,
		UserInfo: SetupUserInfo(ctx, core),
	}
}

func (l *SyncLogic) syncer() (core.Syncer, error) {
	if err := l.Identified(); err != nil {
		return nil, err
	}
	s := l.core.Syncer()
	if s == nil {
		return nil, errors.NewKind("SyncLogic", errors.KindConfiguration, "sync orchestrator is not running", nil)
	}
	return s, nil
}

type StartSyncRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	ForceFull bool   `json:"force_full"`
}

// StartSync returns as soon as the job is registered; the job outlives the request.
func (l *SyncLogic) StartSync(req StartSyncRequest) (string, error) {
	s, err := l.syncer()
	if err != nil {
		return "", err
	}
	jobID, err := s.StartSync(l.ctx, l.TenantID(), req.AccountID, req.ForceFull)
	if err != nil {
		return "", errors.Trace("SyncLogic.StartSync", err)
	}
	return jobID, nil
}

func (l *SyncLogic) Cancel(jobID string) error {
	s, err := l.syncer()
	if err != nil {
		return err
	}
	if err = s.Cancel(l.ctx, l.TenantID(), jobID); err != nil {
		return errors.Trace("SyncLogic.Cancel", err)
	}
	return nil
}

func (l *SyncLogic) Status(jobID string) (*types.SyncJob, error) {
	s, err := l.syncer()
	if err != nil {
		return nil, err
	}
	job, err := s.Status(l.ctx, l.TenantID(), jobID)
	if err != nil {
		return nil, errors.Trace("SyncLogic.Status", err)
	}
	return job, nil
}

func (l *SyncLogic) ActiveJobs() ([]*types.SyncJob, error) {
	s, err := l.syncer()
	if err != nil {
		return nil, err
	}
	jobs := s.ActiveJobs(l.ctx, l.TenantID())
	if jobs == nil {
		jobs = []*types.SyncJob{}
	}
	return jobs, nil
}

func (l *SyncLogic) History(accountID string) ([]*types.SyncJob, error) {
	s, err := l.syncer()
	if err != nil {
		return nil, err
	}
	list, err := s.History(l.ctx, l.TenantID(), accountID)
	if err != nil {
		return nil, errors.Trace("SyncLogic.History", err)
	}
	return list, nil
}

// Webhook schedules an incremental sync after an upstream change
// notification. Notifications arriving while a job runs are absorbed.
func (l *SyncLogic) Webhook(accountID, event string) error {
	if err := l.Identified(); err != nil {
		return err
	}
	account, err := NewAccountLogic(l.ctx, l.core).GetAccount(accountID)
	if err != nil {
		return err
	}
	if account.Status == types.ACCOUNT_DISCONNECTED {
		return errors.NewKind("SyncLogic.Webhook", errors.KindInvalid, "account is disconnected", nil)
	}

	err = process.Enqueue(l.ctx, &queue.SyncTask{
		TenantID:  account.TenantID,
		AccountID: account.ID,
		Reason:    "webhook:" + event,
	})
	if err != nil {
		return errors.Trace("SyncLogic.Webhook", err)
	}
	slog.Debug("webhook sync dispatched", slog.String("tenant_id", account.TenantID),
		slog.String("account_id", account.ID), slog.String("event", event))
	return nil
}
