package txn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"incident-reporter-go/internal/models"
)

// Row is the single-row result surface of a transaction. *sql.Row satisfies
// it; tests script their own.
type Row interface {
	Scan(dest ...any) error
}

// Tx is the slice of *sql.Tx the executor hands to callbacks. Keeping it an
// interface lets tests script row access without a database.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) Row
}

// beginner abstracts *sql.DB for tests.
type beginner interface {
	begin(ctx context.Context) (Tx, commitRollbacker, error)
}

type commitRollbacker interface {
	Commit() error
	Rollback() error
}

type sqlBeginner struct {
	db *sql.DB
}

// sqlTx narrows *sql.Tx's QueryRowContext to the Row interface.
type sqlTx struct {
	*sql.Tx
}

func (t sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	return t.Tx.QueryRowContext(ctx, query, args...)
}

func (b sqlBeginner) begin(ctx context.Context) (Tx, commitRollbacker, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return sqlTx{Tx: tx}, tx, nil
}

// Options bounds the transactions the executor opens.
type Options struct {
	// StatementTimeout caps every statement, including the row-lock wait in
	// governed mutations. Zero leaves the server default in place.
	StatementTimeout time.Duration
}

// Executor opens identity-scoped transactions and drains each transaction's
// side-effect sink after a successful commit. The actor identity is bound
// into the session with set_config so row-level policies can evaluate
// ownership during the transaction.
type Executor struct {
	db   beginner
	opts Options
	log  *zap.Logger
}

func NewExecutor(db *sql.DB, opts Options, log *zap.Logger) *Executor {
	return &Executor{db: sqlBeginner{db: db}, opts: opts, log: log}
}

func newExecutorForTest(db beginner, opts Options, log *zap.Logger) *Executor {
	return &Executor{db: db, opts: opts, log: log}
}

// Run opens a transaction bound to actor, calls fn with a mutation handle
// and a side-effect sink, and commits if fn returns nil. Queued effects fire
// in FIFO order only after the commit succeeds; a rollback discards them.
func (e *Executor) Run(ctx context.Context, actor models.Actor, fn func(ctx context.Context, tx Tx, sink *Sink) error) error {
	tx, ctl, err := e.db.begin(ctx)
	if err != nil {
		return Classify(err)
	}

	if err := e.bindIdentity(ctx, tx, actor); err != nil {
		_ = ctl.Rollback()
		return Classify(err)
	}

	sink := &Sink{}
	if err := fn(ctx, tx, sink); err != nil {
		_ = ctl.Rollback()
		return err
	}

	if err := ctl.Commit(); err != nil {
		return Classify(err)
	}

	e.Drain(ctx, actor, sink)
	return nil
}

// RunInTx is the composition point for callers that already hold an open
// transaction and sink (a larger workflow invoking a governed mutation as
// one of its steps). Identity is assumed to be bound by whoever opened tx,
// and commit, rollback, and the drain remain that caller's job.
func (e *Executor) RunInTx(ctx context.Context, tx Tx, sink *Sink, fn func(ctx context.Context, tx Tx, sink *Sink) error) error {
	return fn(ctx, tx, sink)
}

// Drain fires queued effects in order, exactly once each. An effect failing
// or panicking is logged and never unwinds the committed call; the remaining
// effects still run.
func (e *Executor) Drain(ctx context.Context, actor models.Actor, sink *Sink) {
	for _, effect := range sink.drain() {
		e.runEffect(ctx, actor, effect)
	}
}

func (e *Executor) runEffect(ctx context.Context, actor models.Actor, effect queuedEffect) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("side effect panicked",
				zap.String("kind", string(effect.kind)),
				zap.Int("actor_id", actor.ID),
				zap.Any("panic", r))
		}
	}()
	if err := effect.fn(ctx); err != nil {
		e.log.Warn("side effect failed",
			zap.String("kind", string(effect.kind)),
			zap.Int("actor_id", actor.ID),
			zap.Error(err))
	}
}

func (e *Executor) bindIdentity(ctx context.Context, tx Tx, actor models.Actor) error {
	if _, err := tx.ExecContext(ctx,
		`SELECT set_config('app.actor_id', $1, true), set_config('app.actor_role', $2, true)`,
		fmt.Sprintf("%d", actor.ID), actor.Role,
	); err != nil {
		return fmt.Errorf("bind identity: %w", err)
	}

	if e.opts.StatementTimeout > 0 {
		timeout := fmt.Sprintf("%d", e.opts.StatementTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx,
			`SELECT set_config('statement_timeout', $1, true)`, timeout,
		); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}
	}
	return nil
}
