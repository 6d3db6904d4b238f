package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buzzbook/coupon-service/internal/domain/issuance"
)

// txKey carries the ambient pgx.Tx through the context.
type txKey struct{}

var _ issuance.TxRunner = (*TxRunner)(nil)

// TxRunner implements issuance.TxRunner over a pgx pool. Nested WithinTx
// calls join the ambient transaction rather than opening a new one, so a
// workflow can wrap a coordinator call and both commit atomically.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner creates a TxRunner over the pool.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// WithinTx runs fn inside a transaction. The transaction is committed when
// fn returns nil and rolled back otherwise.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// querierFrom returns the ambient transaction when one is present, else the
// pool itself.
func querierFrom(ctx context.Context, pool *pgxpool.Pool) queryer {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}
