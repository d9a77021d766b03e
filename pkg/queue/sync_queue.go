package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeSyncStart = "sync:start"

	SyncQueueName = "sync"

	MaxRetries  = 3
	TaskTimeout = 30 * time.Minute
	// webhook bursts for one account collapse into a single task
	UniqueWindow = time.Minute
)

// SyncTask asks a worker to run an incremental sync of one account.
type SyncTask struct {
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id"`
	ForceFull bool   `json:"force_full"`
	// Reason is informational, e.g. "webhook" or "cron".
	Reason string `json:"reason,omitempty"`
}

func DecodeSyncTask(task *asynq.Task) (*SyncTask, error) {
	var payload SyncTask
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if payload.TenantID == "" || payload.AccountID == "" {
		return nil, fmt.Errorf("sync task without tenant or account")
	}
	return &payload, nil
}

// Enqueuer is the part of asynq.Client the queue needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type SyncQueue struct {
	client    Enqueuer
	server    *asynq.Server
	keyPrefix string
}

// NewSyncQueueWithClient shares an asynq client owned by the background process.
func NewSyncQueueWithClient(keyPrefix string, client Enqueuer) *SyncQueue {
	if keyPrefix == "" {
		keyPrefix = "conhub"
	}

	return &SyncQueue{
		keyPrefix: keyPrefix,
		client:    client,
	}
}

func (q *SyncQueue) NewTask(t *SyncTask, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	opts = append([]asynq.Option{
		asynq.MaxRetry(MaxRetries),
		asynq.Timeout(TaskTimeout),
		asynq.Unique(UniqueWindow),
		asynq.Queue(SyncQueueName),
	}, opts...)
	return asynq.NewTask(TaskTypeSyncStart, payload, opts...), nil
}

func (q *SyncQueue) EnqueueTask(ctx context.Context, t *SyncTask) error {
	task, err := q.NewTask(t)
	if err != nil {
		return err
	}

	if _, err = q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	slog.Info("sync task enqueued",
		slog.String("tenant_id", t.TenantID),
		slog.String("account_id", t.AccountID),
		slog.String("reason", t.Reason))

	return nil
}

func (q *SyncQueue) EnqueueDelayedTask(ctx context.Context, t *SyncTask, delay time.Duration) error {
	task, err := q.NewTask(t, asynq.ProcessIn(delay))
	if err != nil {
		return err
	}

	if _, err = q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue delayed task: %w", err)
	}

	slog.Info("sync task scheduled",
		slog.String("account_id", t.AccountID),
		slog.Duration("delay", delay))

	return nil
}

type HandlerFunc func(ctx context.Context, task *SyncTask) error

// SetupHandler registers handler for sync tasks on mux.
func (q *SyncQueue) SetupHandler(mux *asynq.ServeMux, handler HandlerFunc) {
	mux.HandleFunc(TaskTypeSyncStart, func(ctx context.Context, task *asynq.Task) error {
		payload, err := DecodeSyncTask(task)
		if err != nil {
			// malformed payloads never succeed on retry
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return handler(ctx, payload)
	})
}

// asynqLogger routes asynq logs to slog.
type asynqLogger struct{}

func NewAsynqLogger() *asynqLogger {
	return &asynqLogger{}
}

func (l *asynqLogger) Debug(args ...any) {
	slog.Debug(fmt.Sprint(args...))
}

func (l *asynqLogger) Info(args ...any) {
	slog.Info(fmt.Sprint(args...))
}

func (l *asynqLogger) Warn(args ...any) {
	slog.Warn(fmt.Sprint(args...))
}

func (l *asynqLogger) Error(args ...any) {
	slog.Error(fmt.Sprint(args...))
}

func (l *asynqLogger) Fatal(args ...any) {
	slog.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

func (q *SyncQueue) Shutdown() {
	slog.Info("shutting down sync queue")

	if q.client != nil {
		if err := q.client.Close(); err != nil {
			slog.Error("failed to close asynq client", slog.String("error", err.Error()))
		}
	}

	if q.server != nil {
		q.server.Shutdown()
	}
}
