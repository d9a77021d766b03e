package sqlstore

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jmoiron/sqlx"
)

type SqlCommons interface {
	GetTable(...interface{}) string
}

type ConnectConfig interface {
	FormatDSN() string
}

// PoolConfig is optionally implemented by a ConnectConfig to size the connection pool.
type PoolConfig interface {
	MaxOpenConns() int
	MaxIdleConns() int
	ConnMaxLifetime() time.Duration
}

type SqlProvider struct {
	master   *sqlx.DB
	replicas []*sqlx.DB
	dbname   string
}

type TransactionKey struct{}

func (s *SqlProvider) GetTxFromCtx(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(TransactionKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}

func (s *SqlProvider) GetMaster() *sqlx.DB {
	return s.master
}

func (s *SqlProvider) GetReplica() *sqlx.DB {
	if len(s.replicas) == 1 {
		return s.replicas[0]
	}
	return s.replicas[rand.IntN(len(s.replicas))]
}

// Transaction runs next inside a transaction bound to ctx; nested calls join the outer one.
func (s *SqlProvider) Transaction(ctx context.Context, next func(ctx context.Context) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if s.GetTxFromCtx(ctx) != nil {
		return next(ctx)
	}

	tx, err := s.GetMaster().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		r := recover()
		if r == nil && err == nil {
			return
		}
		slog.Error("transaction rollbacked", slog.Any("recover", r), slog.Any("error", err))
		_ = tx.Rollback()
		if r != nil {
			panic(r)
		}
	}()

	if err = next(context.WithValue(ctx, TransactionKey{}, tx)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SqlProvider) initConnection(conf ConnectConfig) (*sqlx.DB, error) {
	engine, err := sqlx.Open("postgres", conf.FormatDSN())
	if err != nil {
		return nil, err
	}
	if pc, ok := conf.(PoolConfig); ok {
		if n := pc.MaxOpenConns(); n > 0 {
			engine.SetMaxOpenConns(n)
		}
		if n := pc.MaxIdleConns(); n > 0 {
			engine.SetMaxIdleConns(n)
		}
		if d := pc.ConnMaxLifetime(); d > 0 {
			engine.SetConnMaxLifetime(d)
		}
	}
	return engine, nil
}

func MustSetupProvider(m ConnectConfig, s ...ConnectConfig) *SqlProvider {
	provider := &SqlProvider{}

	engine, err := provider.initConnection(m)
	if err != nil {
		panic(err)
	}
	provider.master = engine

	for _, v := range s {
		replica, err := provider.initConnection(v)
		if err != nil {
			panic(err)
		}
		provider.replicas = append(provider.replicas, replica)
	}

	if len(provider.replicas) == 0 {
		provider.replicas = append(provider.replicas, engine)
	}

	return provider
}

func (s *SqlProvider) GetDBName(ctx context.Context) (string, error) {
	if s.dbname == "" {
		var dbName string
		if err := s.GetMaster().QueryRowContext(ctx, "SELECT current_database()").Scan(&dbName); err != nil {
			return "", err
		}
		s.dbname = dbName
	}
	return s.dbname, nil
}

func (s *SqlProvider) Close() error {
	for _, r := range s.replicas {
		if r != s.master {
			_ = r.Close()
		}
	}
	return s.master.Close()
}
