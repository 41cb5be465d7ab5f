package records

import (
	"context"
	"database/sql"
	"sync"
	"time"

	dErrors "custodia/pkg/domain-errors"
	txcontext "custodia/pkg/platform/tx"
)

// defaultTxTimeout bounds how long one lifecycle transaction may run.
const defaultTxTimeout = 5 * time.Second

// Snapshotter lets an in-memory store participate in unit-of-work rollback.
type Snapshotter interface {
	Snapshot() any
	Restore(any)
}

// MemoryUnitOfWork serializes mutations behind one lock and rolls back by
// restoring participant snapshots. It gives tests the same all-or-nothing
// semantics the PostgresUnitOfWork gets from a real transaction.
type MemoryUnitOfWork struct {
	mu           sync.Mutex
	participants []Snapshotter
	timeout      time.Duration
}

func NewMemoryUnitOfWork(participants ...Snapshotter) *MemoryUnitOfWork {
	return &MemoryUnitOfWork{participants: participants}
}

func (u *MemoryUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := u.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	snapshots := make([]any, len(u.participants))
	for i, p := range u.participants {
		snapshots[i] = p.Snapshot()
	}

	if err := fn(ctx); err != nil {
		for i := len(u.participants) - 1; i >= 0; i-- {
			u.participants[i].Restore(snapshots[i])
		}
		return err
	}
	return nil
}

// PostgresUnitOfWork wraps every store touched by fn in one SQL transaction.
// Stores pick the transaction up from the context, so one unit of work can
// span subjects, child records, tokens and the disclosure ledger.
type PostgresUnitOfWork struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresUnitOfWork(db *sql.DB) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{db: db}
}

func (u *PostgresUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := u.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sqlTx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "begin transaction")
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, sqlTx)); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "commit transaction")
	}
	return nil
}
