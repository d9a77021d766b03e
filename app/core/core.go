package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quka-ai/conhub/app/core/srv"
	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/app/store/memstore"
	"github.com/quka-ai/conhub/app/store/sqlstore"
	"github.com/quka-ai/conhub/pkg/auth"
	"github.com/quka-ai/conhub/pkg/cache"
	"github.com/quka-ai/conhub/pkg/chunker"
	"github.com/quka-ai/conhub/pkg/decision"
	"github.com/quka-ai/conhub/pkg/extractor"
	"github.com/quka-ai/conhub/pkg/graph"
	"github.com/quka-ai/conhub/pkg/graphdb"
	"github.com/quka-ai/conhub/pkg/types"
)

// Syncer is the ingestion orchestrator as seen by the API layer. It is
// installed by the background process.
type Syncer interface {
	StartSync(ctx context.Context, tenantID, accountID string, forceFull bool) (string, error)
	Cancel(ctx context.Context, tenantID, jobID string) error
	Status(ctx context.Context, tenantID, jobID string) (*types.SyncJob, error)
	ActiveJobs(ctx context.Context, tenantID string) []*types.SyncJob
	Wait(ctx context.Context, tenantID, jobID string) (*types.SyncJob, error)
	History(ctx context.Context, tenantID, accountID string) ([]*types.SyncJob, error)
	// ForgetAccount cancels the account's job and deletes everything indexed from it.
	ForgetAccount(ctx context.Context, tenantID, accountID string) error
}

type Core struct {
	cfg CoreConfig
	srv *srv.Srv

	stores    store.Provider
	redis     redis.UniversalClient
	cache     *cache.Tier
	graph     *graph.Graph
	graphdb   *graphdb.Client
	chunker   *chunker.Chunker
	extractor *extractor.Extractor
	resolver  *extractor.Resolver
	decision  *decision.Engine
	locker    Locker
	slots     *WorkerSlots
	syncer    Syncer

	httpEngine *gin.Engine
	metrics    *Metrics
	auth       *auth.Authenticator
	limiters   *limiters
}

func MustSetupCore(cfg CoreConfig) *Core {
	{
		var writer io.Writer = os.Stdout
		if cfg.Log.Path != "" {
			writer = &lumberjack.Logger{
				Filename:   cfg.Log.Path,
				MaxSize:    500, // megabytes
				MaxBackups: 3,
				MaxAge:     28,   //days
				Compress:   true, // disabled by default
			}
		}
		l := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level: cfg.Log.SlogLevel(),
		}))
		slog.SetDefault(l)
	}

	cfg.Sync = cfg.Sync.WithDefaults()
	core := &Core{
		cfg:        cfg,
		metrics:    NewMetrics("conhub", "core", prometheus.NewRegistry()),
		httpEngine: gin.New(),
		auth:       auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer),
		limiters:   newLimiters(),
	}

	setupStore(core)
	setupRedis(core)

	core.cache = cache.New(core.redis, cache.Config{
		QueryTTL:     cfg.Cache.QueryTTL,
		ConnectorTTL: cfg.Cache.ConnectorTTL,
		VectorTTL:    cfg.Cache.VectorTTL,
		L1Capacity:   cfg.Cache.L1Capacity,
	})

	core.srv = srv.SetupSrvs(
		srv.ApplyEmbedding(cfg.Embedding, core.cache),
		srv.ApplyConnectors(cfg.Connectors, cfg.RateLimits, core.cache),
	)

	setupGraph(core)

	core.chunker = chunker.New(cfg.Chunker)
	core.extractor = extractor.New()
	core.resolver = extractor.NewResolver(store.NewGraphBackend(core.stores), cfg.Resolution.Threshold)
	core.decision = decision.New(cfg.Decision, core.srv.Embedding(), core.stores.VectorStore(), core.graph,
		core.stores.ChunkStore(), decision.WithCache(core.cache))

	if core.redis != nil {
		core.locker = NewRedisLock(core.redis, cfg.Sync.LockTTL)
	} else {
		core.locker = NewSingleLock()
	}
	var slotRedis redis.UniversalClient
	if cfg.Sync.DistributedSlots {
		slotRedis = core.redis
	}
	core.slots = NewWorkerSlots(cfg.Sync.Concurrency, slotRedis)

	return core
}

func setupStore(core *Core) {
	if core.cfg.Postgres.DSN == "" {
		slog.Warn("no database configured, running with in-memory stores")
		core.stores = memstore.New()
		return
	}

	provider := sqlstore.MustSetup(core.cfg.Postgres)()
	if err := provider.Install(); err != nil {
		panic(err)
	}
	if dsn := core.cfg.Vector.DSN; dsn != "" && dsn != core.cfg.Postgres.DSN {
		vectors := sqlstore.MustSetup(PGConfig{DSN: dsn, MaxOpen: core.cfg.Postgres.MaxOpen})()
		if err := vectors.Install(); err != nil {
			panic(err)
		}
		provider.UseVectorStore(vectors.VectorStore())
	}
	core.stores = provider
	slog.Info("sql store ready")
}

func setupRedis(core *Core) {
	cfg := core.cfg.Redis
	if !cfg.Enabled() {
		return
	}

	seconds := func(n, def int) time.Duration {
		if n <= 0 {
			n = def
		}
		return time.Duration(n) * time.Second
	}

	var client redis.UniversalClient
	switch {
	case cfg.URL != "":
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			panic(err)
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		client = redis.NewClient(opts)
	case cfg.Cluster:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  seconds(cfg.DialTimeout, 5),
			ReadTimeout:  seconds(cfg.ReadTimeout, 3),
			WriteTimeout: seconds(cfg.WriteTimeout, 3),
		})
	default:
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  seconds(cfg.DialTimeout, 5),
			ReadTimeout:  seconds(cfg.ReadTimeout, 3),
			WriteTimeout: seconds(cfg.WriteTimeout, 3),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// the cache tier degrades to misses, locks would not
		slog.Error("redis unreachable", slog.String("error", err.Error()))
	}
	core.redis = client
}

func setupGraph(core *Core) {
	backend := store.NewGraphBackend(core.stores)
	var opts []graph.Option
	if grace := core.cfg.Cron.GCGrace; grace > 0 {
		opts = append(opts, graph.WithGCGrace(grace))
	}
	if !core.cfg.Neo4j.Enabled() {
		core.graph = graph.New(backend, opts...)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := graphdb.New(ctx, core.cfg.Neo4j)
	if err != nil {
		panic(err)
	}
	core.graphdb = client
	core.graph = graph.New(backend, append(opts, graph.WithMirror(client), graph.WithSearcher(client))...)
}

func (s *Core) Cfg() CoreConfig {
	return s.cfg
}

func (s *Core) HttpEngine() *gin.Engine {
	return s.httpEngine
}

func (s *Core) Metrics() *Metrics {
	return s.metrics
}

func (s *Core) Auth() *auth.Authenticator {
	return s.auth
}

func (s *Core) Store() store.Provider {
	return s.stores
}

func (s *Core) Srv() *srv.Srv {
	return s.srv
}

// Redis is nil when no redis is configured.
func (s *Core) Redis() redis.UniversalClient {
	return s.redis
}

func (s *Core) Cache() *cache.Tier {
	return s.cache
}

func (s *Core) Graph() *graph.Graph {
	return s.graph
}

func (s *Core) Chunker() *chunker.Chunker {
	return s.chunker
}

func (s *Core) Extractor() *extractor.Extractor {
	return s.extractor
}

func (s *Core) Resolver() *extractor.Resolver {
	return s.resolver
}

func (s *Core) Decision() *decision.Engine {
	return s.decision
}

func (s *Core) WorkerSlots() *WorkerSlots {
	return s.slots
}

func (s *Core) TryLock(ctx context.Context, key string) (func(), bool, error) {
	return s.locker.TryLock(ctx, key)
}

func (s *Core) InstallSyncer(syncer Syncer) {
	s.syncer = syncer
}

// Syncer is nil until the background process is set up.
func (s *Core) Syncer() Syncer {
	return s.syncer
}

func (s *Core) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.graphdb != nil {
		if err := s.graphdb.Close(ctx); err != nil {
			slog.Warn("failed to close neo4j driver", slog.String("error", err.Error()))
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}
