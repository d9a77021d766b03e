package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/types"
)

func TestSetupConfigFromEnv(t *testing.T) {
	t.Setenv("CONHUB_ADDR", "localhost:11111")
	t.Setenv("CONHUB_DATABASE_URL", "postgres://localhost/conhub")
	t.Setenv("CONHUB_REDIS_DB", "3")

	cfg := LoadBaseConfigFromENV()

	assert.Equal(t, "localhost:11111", cfg.Addr)
	assert.Equal(t, "postgres://localhost/conhub", cfg.Postgres.FormatDSN())
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.False(t, cfg.Redis.Enabled())
}

const sample = `
addr = ":33033"

[postgres]
dsn = "postgres://file/conhub"
max_open_conns = 40

[sync]
queue_size = 8
batch_size = 512
connector_timeout = "45s"

[sync.concurrency]
code_repo = 2

[rate_limits.github]
burst = 10
sustained = 1.5

[cache]
query_ttl = "2m"

[resolution]
threshold = 0.9

[cron]
sync = "@every 1h"
gc_grace = "15m"
`

func TestLoadBaseConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conhub.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("CONHUB_DATABASE_URL", "postgres://env/conhub")

	cfg := MustLoadBaseConfig(path)
	assert.Equal(t, ":33033", cfg.Addr)
	assert.Equal(t, "postgres://env/conhub", cfg.Postgres.DSN, "env overrides the file")
	assert.Equal(t, 40, cfg.Postgres.MaxOpenConns())
	assert.Equal(t, 1.5, cfg.RateLimits[types.CONNECTOR_GITHUB].Sustained)
	assert.Equal(t, 2*time.Minute, cfg.Cache.QueryTTL)
	assert.Equal(t, 0.9, cfg.Resolution.Threshold)
	assert.Equal(t, "@every 1h", cfg.Cron.Sync)
	assert.Equal(t, 15*time.Minute, cfg.Cron.GCGrace)

	sync := cfg.Sync.WithDefaults()
	assert.Equal(t, 8, sync.QueueSize)
	assert.Equal(t, MaxBatchSize, sync.BatchSize, "batches never exceed the cap")
	assert.Equal(t, 45*time.Second, sync.ConnectorTimeout)
	assert.Equal(t, 2, sync.Workers(types.ITEM_CODE_REPO))
	assert.Equal(t, 8, sync.Workers(types.ITEM_DOCUMENT))
}
