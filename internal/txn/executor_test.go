package txn

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"incident-reporter-go/internal/models"
)

type fakeTx struct {
	execs   []string
	args    [][]any
	execErr error
}

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t.execs = append(t.execs, query)
	t.args = append(t.args, args)
	return nil, t.execErr
}

func (t *fakeTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("not scripted")
}

func (t *fakeTx) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	return nil
}

type fakeDB struct {
	tx        *fakeTx
	beginErr  error
	commitErr error

	committed  bool
	rolledBack bool
}

func (db *fakeDB) begin(ctx context.Context) (Tx, commitRollbacker, error) {
	if db.beginErr != nil {
		return nil, nil, db.beginErr
	}
	return db.tx, db, nil
}

func (db *fakeDB) Commit() error {
	if db.commitErr != nil {
		return db.commitErr
	}
	db.committed = true
	return nil
}

func (db *fakeDB) Rollback() error {
	db.rolledBack = true
	return nil
}

func testActor() models.Actor {
	return models.Actor{ID: 7, Type: models.ActorHuman, Role: "citizen"}
}

func TestRunDrainsEffectsInOrderAfterCommit(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	exec := newExecutorForTest(db, Options{}, zap.NewNop())

	var fired []string
	err := exec.Run(context.Background(), testActor(), func(ctx context.Context, tx Tx, sink *Sink) error {
		sink.Queue(EffectLiveEvent, func(ctx context.Context) error {
			fired = append(fired, "first")
			return nil
		})
		sink.Queue(EffectEnqueueJob, func(ctx context.Context) error {
			fired = append(fired, "second")
			return nil
		})
		// Nothing may fire before commit.
		assert.Empty(t, fired)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, db.committed)
	assert.Equal(t, []string{"first", "second"}, fired)
}

func TestRunRollbackDiscardsEffects(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	exec := newExecutorForTest(db, Options{}, zap.NewNop())

	boom := errors.New("validation failed")
	fired := false
	err := exec.Run(context.Background(), testActor(), func(ctx context.Context, tx Tx, sink *Sink) error {
		sink.Queue(EffectLiveEvent, func(ctx context.Context) error {
			fired = true
			return nil
		})
		return boom
	})

	// The callback's error comes back unchanged.
	assert.ErrorIs(t, err, boom)
	assert.True(t, db.rolledBack)
	assert.False(t, db.committed)
	assert.False(t, fired)
}

func TestRunBindsIdentityFirst(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	exec := newExecutorForTest(db, Options{StatementTimeout: 5 * time.Second}, zap.NewNop())

	err := exec.Run(context.Background(), testActor(), func(ctx context.Context, tx Tx, sink *Sink) error {
		return nil
	})
	require.NoError(t, err)

	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0], "app.actor_id")
	assert.Equal(t, []any{"7", "citizen"}, tx.args[0])
	assert.Contains(t, tx.execs[1], "statement_timeout")
	assert.Equal(t, []any{"5000"}, tx.args[1])
}

func TestRunSkipsStatementTimeoutWhenUnset(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	exec := newExecutorForTest(db, Options{}, zap.NewNop())

	err := exec.Run(context.Background(), testActor(), func(ctx context.Context, tx Tx, sink *Sink) error {
		return nil
	})
	require.NoError(t, err)
	require.Len(t, tx.execs, 1)
}

func TestRunCommitFailureIsInternal(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}, commitErr: errors.New("connection reset")}
	exec := newExecutorForTest(db, Options{}, zap.NewNop())

	fired := false
	err := exec.Run(context.Background(), testActor(), func(ctx context.Context, tx Tx, sink *Sink) error {
		sink.Queue(EffectLiveEvent, func(ctx context.Context) error {
			fired = true
			return nil
		})
		return nil
	})

	assert.ErrorIs(t, err, ErrInternal)
	assert.False(t, fired)
}

func TestRunBeginFailureIsInternal(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("pool exhausted")}
	exec := newExecutorForTest(db, Options{}, zap.NewNop())

	err := exec.Run(context.Background(), testActor(), func(ctx context.Context, tx Tx, sink *Sink) error {
		t.Fatal("callback should not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrInternal)
}

func TestDrainIsolatesEffectFailures(t *testing.T) {
	exec := newExecutorForTest(&fakeDB{tx: &fakeTx{}}, Options{}, zap.NewNop())

	var fired []string
	sink := &Sink{}
	sink.Queue(EffectLiveEvent, func(ctx context.Context) error {
		panic("bus is down")
	})
	sink.Queue(EffectEnqueueJob, func(ctx context.Context) error {
		return errors.New("insert failed")
	})
	sink.Queue(EffectExternal, func(ctx context.Context) error {
		fired = append(fired, "survivor")
		return nil
	})

	exec.Drain(context.Background(), testActor(), sink)

	assert.Equal(t, []string{"survivor"}, fired)
	assert.Zero(t, sink.Len())
}

func TestClassify(t *testing.T) {
	lockTimeout := &pq.Error{Code: "57014"}
	assert.ErrorIs(t, Classify(lockTimeout), ErrConflict)

	lockUnavailable := &pq.Error{Code: "55P03"}
	assert.ErrorIs(t, Classify(lockUnavailable), ErrConflict)

	constraint := &pq.Error{Code: "23505"}
	assert.ErrorIs(t, Classify(constraint), ErrInternal)

	plain := errors.New("dial tcp: refused")
	err := Classify(plain)
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, plain)
}
