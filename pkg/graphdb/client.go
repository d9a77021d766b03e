package graphdb

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quka-ai/conhub/pkg/errors"
)

type Config struct {
	URI         string `toml:"uri"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	Database    string `toml:"database"`
	MaxPoolSize int    `toml:"max_pool_size"`
	// Timeout in seconds for connecting and verifying the server.
	Timeout int `toml:"timeout"`
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URI) != ""
}

// Client is the neo4j projection of the entity graph. It mirrors every write
// of the relational graph and can serve search and expansion on its own.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.NewKind("graphdb.New", errors.KindConfiguration, "graph endpoint is not configured", nil)
	}
	user := cfg.User
	if user == "" {
		user = "neo4j"
	}
	timeout := 10 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	maxPool := 50
	if cfg.MaxPoolSize > 0 {
		maxPool = cfg.MaxPoolSize
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(user, cfg.Password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = maxPool
		c.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, errors.NewKind("graphdb.New", errors.KindConfiguration, "failed to init neo4j driver", err)
	}

	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err = driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, errors.NewKind("graphdb.New", errors.KindTransient, "failed to verify neo4j connectivity", err)
	}

	c := &Client{driver: driver, database: cfg.Database}
	c.ensureSchema(ctx)
	return c, nil
}

// ensureSchema is best effort; a server without constraint support still works.
func (c *Client) ensureSchema(ctx context.Context) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: c.database})
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT conhub_entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT conhub_chunk_id IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`,
		`CREATE INDEX conhub_entity_tenant IF NOT EXISTS FOR (e:Entity) ON (e.tenant_id, e.name_lc)`,
	}
	for _, q := range stmts {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			slog.Warn("neo4j schema init failed (continuing)", slog.String("error", err.Error()))
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.driver == nil {
		return nil
	}
	err := c.driver.Close(ctx)
	c.driver = nil
	return err
}

// write runs fn in a managed write transaction.
func (c *Client) write(ctx context.Context, trace string, fn func(tx neo4j.ManagedTransaction) error) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: c.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	if err != nil {
		return errors.NewKind(trace, errors.KindTransient, "neo4j write failed", err)
	}
	return nil
}

func (c *Client) read(ctx context.Context, trace, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := neo4j.ExecuteQuery(ctx, c.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(c.database), neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, errors.NewKind(trace, errors.KindTransient, "neo4j read failed", err)
	}
	return res.Records, nil
}

func run(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) error {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}
