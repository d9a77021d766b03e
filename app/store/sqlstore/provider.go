package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/pkg/register"
	"github.com/quka-ai/conhub/pkg/sqlstore"
	"github.com/quka-ai/conhub/pkg/types"
)

func init() {
	sq.StatementBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationDir = "migrations"

type Provider struct {
	*sqlstore.SqlProvider
	stores *Stores
}

var _ store.Provider = (*Provider)(nil)

type Stores struct {
	store.AccountStore
	store.SourceStore
	store.SourceItemStore
	store.ChunkStore
	store.VectorStore
	store.EntityStore
	store.CanonicalEntityStore
	store.RelationshipStore
	store.EvidenceStore
	store.SyncJobStore
}

type RegisterKey struct{}

// MustSetup connects to the master and replicas and builds every registered store.
func MustSetup(m sqlstore.ConnectConfig, s ...sqlstore.ConnectConfig) func() *Provider {
	provider := &Provider{
		SqlProvider: sqlstore.MustSetupProvider(m, s...),
		stores:      &Stores{},
	}

	register.Apply(RegisterKey{}, provider)

	return func() *Provider {
		return provider
	}
}

// Install enables extensions and runs every embedded migration not yet recorded.
func (p *Provider) Install() error {
	if err := p.enableExtensions(); err != nil {
		return err
	}

	if err := p.ensureMigrationTable(); err != nil {
		return err
	}

	files, err := migrationFiles.ReadDir(migrationDir)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".sql") {
			continue
		}
		if executed, err := p.isFileExecuted(file.Name()); err != nil {
			return err
		} else if executed {
			continue
		}

		sql, err := migrationFiles.ReadFile(migrationDir + "/" + file.Name())
		if err != nil {
			return err
		}

		if err = p.executeSQLFile(string(sql), file.Name()); err != nil {
			return err
		}

		if err = p.markFileExecuted(file.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) enableExtensions() error {
	extensions := []string{
		"CREATE EXTENSION IF NOT EXISTS vector;",
		"CREATE EXTENSION IF NOT EXISTS pg_trgm;",
	}

	for _, ext := range extensions {
		if _, err := p.SqlProvider.GetMaster().Exec(ext); err != nil {
			return fmt.Errorf("failed to enable extension: %w\nSQL: %s", err, ext)
		}
	}
	return nil
}

func (p *Provider) ensureMigrationTable() error {
	createTableSQL := `
CREATE TABLE IF NOT EXISTS ` + types.TABLE_PREFIX + `schema_migrations (
    filename VARCHAR(255) PRIMARY KEY,
    executed_at BIGINT NOT NULL
);`
	_, err := p.SqlProvider.GetMaster().Exec(createTableSQL)
	return err
}

func (p *Provider) isFileExecuted(filename string) (bool, error) {
	var count int
	err := p.SqlProvider.GetMaster().Get(&count,
		"SELECT COUNT(*) FROM "+types.TABLE_PREFIX+"schema_migrations WHERE filename = $1", filename)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *Provider) markFileExecuted(filename string) error {
	_, err := p.SqlProvider.GetMaster().Exec(
		"INSERT INTO "+types.TABLE_PREFIX+"schema_migrations (filename, executed_at) VALUES ($1, $2) ON CONFLICT (filename) DO NOTHING",
		filename, time.Now().Unix())
	return err
}

func (p *Provider) executeSQLFile(content, filename string) error {
	slog.Info("applying migration", slog.String("file", filename))
	if _, err := p.SqlProvider.GetMaster().Exec(content); err != nil {
		return fmt.Errorf("migration %s: %w", filename, err)
	}
	return nil
}

func (p *Provider) Transaction(ctx context.Context, next func(ctx context.Context) error) error {
	return p.SqlProvider.Transaction(ctx, next)
}

func (p *Provider) AccountStore() store.AccountStore {
	return p.stores.AccountStore
}

func (p *Provider) SourceStore() store.SourceStore {
	return p.stores.SourceStore
}

func (p *Provider) SourceItemStore() store.SourceItemStore {
	return p.stores.SourceItemStore
}

func (p *Provider) ChunkStore() store.ChunkStore {
	return p.stores.ChunkStore
}

func (p *Provider) VectorStore() store.VectorStore {
	return p.stores.VectorStore
}

// UseVectorStore serves the vector index from another database.
func (p *Provider) UseVectorStore(v store.VectorStore) {
	p.stores.VectorStore = v
}

func (p *Provider) EntityStore() store.EntityStore {
	return p.stores.EntityStore
}

func (p *Provider) CanonicalEntityStore() store.CanonicalEntityStore {
	return p.stores.CanonicalEntityStore
}

func (p *Provider) RelationshipStore() store.RelationshipStore {
	return p.stores.RelationshipStore
}

func (p *Provider) EvidenceStore() store.EvidenceStore {
	return p.stores.EvidenceStore
}

func (p *Provider) SyncJobStore() store.SyncJobStore {
	return p.stores.SyncJobStore
}
