package process

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/pkg/queue"
	"github.com/quka-ai/conhub/pkg/register"
)

// SyncQueue is nil when no redis is configured.
func SyncQueue() *queue.SyncQueue {
	if p == nil {
		return nil
	}
	return p.syncQueue
}

type Process struct {
	cron         *cron.Cron
	core         *core.Core
	orchestrator *Orchestrator
	asynqClient  *asynq.Client
	asynqServer  *asynq.Server
	asynqMux     *asynq.ServeMux
	syncQueue    *queue.SyncQueue
}

var p *Process

type ProcessKey struct{}

func NewProcess(core *core.Core) *Process {
	p = &Process{
		cron:         cron.New(),
		core:         core,
		orchestrator: NewOrchestratorFromCore(core),
	}
	core.InstallSyncer(p.orchestrator)

	if redisOpt, ok := asynqRedisOpt(core.Cfg().Redis); ok {
		p.asynqClient = asynq.NewClient(redisOpt)
		p.asynqServer = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queue.SyncQueueName: 1,
			},
			Logger: queue.NewAsynqLogger(),
		})
		p.asynqMux = asynq.NewServeMux()
	} else {
		slog.Warn("no redis configured, webhook syncs start in process")
	}

	for _, h := range register.ResolveFuncHandlers[*Process](ProcessKey{}) {
		h(p)
	}

	return p
}

func asynqRedisOpt(cfg core.RedisConfig) (asynq.RedisConnOpt, bool) {
	switch {
	case cfg.URL != "":
		opt, err := asynq.ParseRedisURI(cfg.URL)
		if err != nil {
			slog.Error("invalid redis url for task queue", slog.String("error", err.Error()))
			return nil, false
		}
		return opt, true
	case cfg.Cluster && len(cfg.ClusterAddrs) > 0:
		return asynq.RedisClusterClientOpt{
			Addrs:    cfg.ClusterAddrs,
			Password: cfg.Password,
		}, true
	case cfg.Addr != "":
		return asynq.RedisClientOpt{
			Network:  "tcp",
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}, true
	}
	return nil, false
}

func (p *Process) Cron() *cron.Cron {
	return p.cron
}

func (p *Process) Core() *core.Core {
	return p.core
}

func (p *Process) Orchestrator() *Orchestrator {
	return p.orchestrator
}

// AsynqClient is nil when no redis is configured.
func (p *Process) AsynqClient() *asynq.Client {
	return p.asynqClient
}

func (p *Process) AsynqServerMux() *asynq.ServeMux {
	return p.asynqMux
}

func (p *Process) SetSyncQueue(q *queue.SyncQueue) {
	p.syncQueue = q
}

func (p *Process) Start() {
	p.cron.Start()
	if p.asynqServer != nil {
		if err := p.asynqServer.Start(p.asynqMux); err != nil {
			slog.Error("failed to start task queue server", slog.String("error", err.Error()))
		}
	}
}

func (p *Process) Stop() {
	if p.cron != nil {
		ctx := p.cron.Stop()
		<-ctx.Done()
	}

	if p.asynqServer != nil {
		p.asynqServer.Shutdown()
	}

	if p.syncQueue != nil {
		p.syncQueue.Shutdown()
	} else if p.asynqClient != nil {
		_ = p.asynqClient.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.orchestrator.Shutdown(ctx)
}
