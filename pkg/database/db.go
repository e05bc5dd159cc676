package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

// Executor is the query surface shared by the pool and an open transaction.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	Rebind(query string) string
}

type DB interface {
	Executor
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	Close() error
	DriverName() string
	PingContext(ctx context.Context) error
	Ping() error
	Stats() sql.DBStats
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, Tx, error)
	// Conn returns the transaction bound to ctx, or the pool when there is none.
	Conn(ctx context.Context) Executor
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	RunInSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type DatabaseInstance struct {
	*sqlx.DB
	logger ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		logger: logger,
	}
}

func (db *DatabaseInstance) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, Tx, error) {
	return GetTx(ctx, db.logger, db, opts)
}

func (db *DatabaseInstance) Conn(ctx context.Context) Executor {
	if tx, ok := FromContext(ctx); ok {
		return tx
	}
	return db.DB
}

// RunInTx runs fn inside the transaction bound to ctx, beginning one if needed.
// A transaction begun here is committed when fn succeeds and rolled back otherwise.
func (db *DatabaseInstance) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctxTx, tx, err := db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctxTx)

	if err := fn(ctxTx); err != nil {
		return err
	}
	return tx.Commit(ctxTx)
}

// RunInSavepoint runs fn in a sub-transaction of the ctx transaction. When fn fails only the work
// since the savepoint is undone; the enclosing transaction stays usable.
func (db *DatabaseInstance) RunInSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	tx, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("savepoint %s requires an open transaction", name)
	}
	if err := tx.Savepoint(ctx, name); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rbErr := tx.RollbackTo(ctx, name); rbErr != nil {
			db.logger.WithContext(ctx).WithError(rbErr).Errorf("failed to roll back to savepoint %s", name)
		}
		return err
	}
	return tx.Release(ctx, name)
}
