package core

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/quka-ai/conhub/app/core/srv"
	"github.com/quka-ai/conhub/pkg/chunker"
	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/decision"
	"github.com/quka-ai/conhub/pkg/graphdb"
	"github.com/quka-ai/conhub/pkg/types"
)

func MustLoadBaseConfig(path string) CoreConfig {
	if path == "" {
		return LoadBaseConfigFromENV()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	conf := &CoreConfig{}
	if err = toml.Unmarshal(raw, conf); err != nil {
		panic(err)
	}
	// env wins over the file so secrets can stay out of it
	conf.FromENV()

	return *conf
}

func LoadBaseConfigFromENV() CoreConfig {
	var c CoreConfig
	c.FromENV()
	return c
}

type CoreConfig struct {
	Addr       string                                      `toml:"addr"`
	Log        Log                                         `toml:"log"`
	Postgres   PGConfig                                    `toml:"postgres"`
	Vector     VectorConfig                                `toml:"vector"`
	Neo4j      graphdb.Config                              `toml:"neo4j"`
	Redis      RedisConfig                                 `toml:"redis"`
	Embedding  srv.EmbeddingConfig                         `toml:"embedding"`
	Sync       SyncConfig                                  `toml:"sync"`
	RateLimits map[types.ConnectorKind]connector.RateLimit `toml:"rate_limits"`
	Connectors srv.ConnectorsConfig                        `toml:"connectors"`
	Cache      CacheConfig                                 `toml:"cache"`
	Chunker    chunker.Config                              `toml:"chunker"`
	Decision   decision.Config                             `toml:"decision"`
	Resolution ResolutionConfig                            `toml:"resolution"`
	Cron       CronConfig                                  `toml:"cron"`
	Auth       AuthConfig                                  `toml:"auth"`
}

func (c *CoreConfig) FromENV() {
	setString(&c.Addr, "CONHUB_ADDR")
	c.Log.FromENV()
	c.Postgres.FromENV()
	c.Vector.FromENV()
	setString(&c.Neo4j.URI, "CONHUB_GRAPH_ENDPOINT")
	setString(&c.Neo4j.User, "CONHUB_GRAPH_USER")
	setString(&c.Neo4j.Password, "CONHUB_GRAPH_PASSWORD")
	c.Redis.FromENV()
	setString(&c.Embedding.Endpoint, "CONHUB_EMBEDDING_ENDPOINT")
	setString(&c.Embedding.Token, "CONHUB_EMBEDDING_TOKEN")
	setString(&c.Embedding.Model, "CONHUB_EMBEDDING_MODEL")
	setString(&c.Embedding.ProfilePath, "CONHUB_EMBEDDING_PROFILE_PATH")
	setString(&c.Auth.Secret, "CONHUB_JWT_SECRET")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

type PGConfig struct {
	DSN          string `toml:"dsn"`
	MaxOpen      int    `toml:"max_open_conns"`
	MaxIdle      int    `toml:"max_idle_conns"`
	ConnLifetime int    `toml:"conn_max_lifetime"` // seconds
}

func (m *PGConfig) FromENV() {
	setString(&m.DSN, "CONHUB_DATABASE_URL")
	setInt(&m.MaxOpen, "CONHUB_DATABASE_MAX_OPEN_CONNS")
}

func (c PGConfig) FormatDSN() string {
	return c.DSN
}

func (c PGConfig) MaxOpenConns() int {
	if c.MaxOpen <= 0 {
		return 20
	}
	return c.MaxOpen
}

func (c PGConfig) MaxIdleConns() int {
	if c.MaxIdle <= 0 {
		return 5
	}
	return c.MaxIdle
}

func (c PGConfig) ConnMaxLifetime() time.Duration {
	if c.ConnLifetime <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.ConnLifetime) * time.Second
}

// VectorConfig points the vector index at its own pgvector database. An empty
// DSN keeps it next to the relational tables.
type VectorConfig struct {
	DSN string `toml:"dsn"`
}

func (v *VectorConfig) FromENV() {
	setString(&v.DSN, "CONHUB_VECTOR_ENDPOINT")
}

type RedisConfig struct {
	// URL takes precedence over the discrete fields, e.g. redis://:pass@host:6379/0
	URL      string `toml:"url"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`

	Cluster      bool     `toml:"cluster"`
	ClusterAddrs []string `toml:"cluster_addrs"`

	PoolSize     int `toml:"pool_size"`
	MinIdleConns int `toml:"min_idle_conns"`
	MaxRetries   int `toml:"max_retries"`
	DialTimeout  int `toml:"dial_timeout"`  // seconds
	ReadTimeout  int `toml:"read_timeout"`  // seconds
	WriteTimeout int `toml:"write_timeout"` // seconds

	KeyPrefix string `toml:"key_prefix"`
}

func (r *RedisConfig) FromENV() {
	setString(&r.URL, "CONHUB_REDIS_URL")
	setString(&r.Addr, "CONHUB_REDIS_ADDR")
	setString(&r.Password, "CONHUB_REDIS_PASSWORD")
	setInt(&r.DB, "CONHUB_REDIS_DB")
}

func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Addr != "" || (r.Cluster && len(r.ClusterAddrs) > 0)
}

type SyncConfig struct {
	// Concurrency bounds the workers of one item kind across every job.
	Concurrency map[types.ItemKind]int `toml:"concurrency"`
	QueueSize   int                    `toml:"queue_size"`
	BatchSize   int                    `toml:"batch_size"`
	// DistributedSlots additionally enforces Concurrency across replicas through redis.
	DistributedSlots bool          `toml:"distributed_slots"`
	ConnectorTimeout time.Duration `toml:"connector_timeout"`
	StoreTimeout     time.Duration `toml:"store_timeout"`
	// BatchTimeout bounds one batch: chunk write, embedding with retries, vector and graph writes.
	BatchTimeout      time.Duration `toml:"batch_timeout"`
	MaxBackPressure   time.Duration `toml:"max_back_pressure_wait"`
	LockTTL           time.Duration `toml:"lock_ttl"`
	ArchiveQueryLimit uint64        `toml:"archive_query_limit"`
}

const MaxBatchSize = 128

var defaultConcurrency = map[types.ItemKind]int{
	types.ITEM_CODE_REPO: 4,
	types.ITEM_DOCUMENT:  8,
	types.ITEM_CHAT:      8,
	types.ITEM_TICKET:    4,
	types.ITEM_WEB_PAGE:  4,
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Concurrency:       defaultConcurrency,
		QueueSize:         64,
		BatchSize:         MaxBatchSize,
		ConnectorTimeout:  30 * time.Second,
		StoreTimeout:      10 * time.Second,
		BatchTimeout:      time.Minute,
		MaxBackPressure:   time.Minute,
		LockTTL:           time.Minute,
		ArchiveQueryLimit: 20,
	}
}

func (c SyncConfig) WithDefaults() SyncConfig {
	d := DefaultSyncConfig()
	conc := make(map[types.ItemKind]int, len(d.Concurrency))
	for k, v := range d.Concurrency {
		conc[k] = v
	}
	for k, v := range c.Concurrency {
		if v > 0 {
			conc[k] = v
		}
	}
	c.Concurrency = conc
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BatchSize <= 0 || c.BatchSize > MaxBatchSize {
		c.BatchSize = d.BatchSize
	}
	if c.ConnectorTimeout <= 0 {
		c.ConnectorTimeout = d.ConnectorTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxBackPressure <= 0 {
		c.MaxBackPressure = d.MaxBackPressure
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.ArchiveQueryLimit == 0 {
		c.ArchiveQueryLimit = d.ArchiveQueryLimit
	}
	return c
}

// Workers is the concurrency limit of an item kind.
func (c SyncConfig) Workers(kind types.ItemKind) int {
	if n := c.Concurrency[kind]; n > 0 {
		return n
	}
	return 1
}

type CacheConfig struct {
	QueryTTL     time.Duration `toml:"query_ttl"`
	ConnectorTTL time.Duration `toml:"connector_ttl"`
	VectorTTL    time.Duration `toml:"vector_ttl"`
	L1Capacity   int           `toml:"l1_capacity"`
}

type ResolutionConfig struct {
	Threshold float64 `toml:"threshold"`
}

type CronConfig struct {
	// Sync schedules incremental syncs of every connected account; empty disables it.
	Sync string `toml:"sync"`
	GC   string `toml:"gc"`
	// GCGrace spares graph rows touched this recently; zero means graph.DefaultGCGrace.
	GCGrace time.Duration `toml:"gc_grace"`
}

type AuthConfig struct {
	Secret string `toml:"secret"`
	Issuer string `toml:"issuer"`
}

type Log struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

func (l *Log) FromENV() {
	setString(&l.Level, "CONHUB_LOG_LEVEL")
	setString(&l.Path, "CONHUB_LOG_PATH")
}

func (l *Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
