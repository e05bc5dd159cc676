package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

type Tx interface {
	Executor
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Savepoint opens a sub-transaction that can be undone without aborting the enclosing one.
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

type txState struct {
	closed bool
}

// Transaction wraps sqlx.Tx. Only the handle that began the transaction (the owner)
// commits or rolls it back; handles returned to nested callers share it without ending it.
type Transaction struct {
	*sqlx.Tx
	logger ectologger.Logger
	state  *txState
	owner  bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) *Transaction {
	return &Transaction{
		Tx:     tx,
		logger: logger,
		state:  &txState{},
		owner:  true,
	}
}

// WithTx binds tx to the returned context.
func WithTx(ctx context.Context, tx Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// FromContext returns the open transaction bound to ctx, if any.
func FromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey).(Tx)
	if !ok || tx == nil || !tx.IsOpen() {
		return nil, false
	}
	return tx, true
}

func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := FromContext(ctx); ok {
		if t, ok := existing.(*Transaction); ok {
			return ctx, &Transaction{Tx: t.Tx, logger: t.logger, state: t.state, owner: false}, nil
		}
		return ctx, existing, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction")
	}

	newTx := NewTx(tx, logger)
	return WithTx(ctx, newTx), newTx, nil
}

func (t *Transaction) IsOpen() bool {
	return !t.state.closed
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.state.closed || !t.owner {
		return nil
	}

	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction")
	}

	t.state.closed = true
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.state.closed || !t.owner {
		return nil
	}

	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		// the driver has already ended the transaction
		t.state.closed = true
		return err
	}

	t.state.closed = true
	return nil
}

func (t *Transaction) Savepoint(ctx context.Context, name string) error {
	if _, err := t.Tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while creating savepoint %s", name)
		return err
	}
	return nil
}

func (t *Transaction) RollbackTo(ctx context.Context, name string) error {
	if _, err := t.Tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back to savepoint %s", name)
		return err
	}
	return nil
}

func (t *Transaction) Release(ctx context.Context, name string) error {
	if _, err := t.Tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return err
	}
	return nil
}
