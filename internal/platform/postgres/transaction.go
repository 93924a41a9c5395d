package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type txKey struct{}

// Querier returns the transaction bound to ctx by RunInTx, or the pool.
func (p *Provider) Querier(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok && tx != nil {
		return tx
	}
	return p.pool
}

// InTx reports whether ctx carries a transaction.
func InTx(ctx context.Context) bool {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok && tx != nil
}

// RunInTx implements repositories.UnitOfWork. fn commits when it returns nil and rolls
// back otherwise. Nested calls join the outer transaction.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if InTx(ctx) {
		return fn(ctx)
	}
	if p.closed.Load() {
		return ErrProviderClosed
	}

	if p.txTimeout > 0 {
		deadline, ok := ctx.Deadline()
		if !ok || time.Until(deadline) > p.txTimeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.txTimeout)
			defer cancel()
		}
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapError("transaction.begin", err)
	}
	defer func() {
		// Rollback after a successful commit is a no-op returning ErrTxClosed.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return WrapError("transaction.commit", err)
	}
	return nil
}
