package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"incident-reporter-go/internal/models"
	"incident-reporter-go/internal/txn"
)

var (
	// ErrNotFound means the target row does not exist.
	ErrNotFound = errors.New("target not found")

	// ErrForbidden means the actor is neither the owner nor authorized for
	// the requested action.
	ErrForbidden = errors.New("forbidden")
)

// Target identifies the row a governed mutation operates on.
type Target struct {
	Type TargetType
	ID   int64
}

// Mutation is the caller-supplied parameterized update run against the
// locked row after the ledger row is written.
type Mutation struct {
	Query string
	Args  []any
}

// Result reports what a governed mutation did. Idempotent is set only by the
// delete-on-already-deleted short circuit, in which case no ledger row was
// written and RowCount is zero.
type Result struct {
	AuditID    int64
	Snapshot   json.RawMessage
	RowCount   int64
	Idempotent bool
}

// ModerationOpts carries the audit narrative for administrative actions.
// Reason is required; everything else is optional.
type ModerationOpts struct {
	Reason               string
	InternalNote         string
	ImpersonatedIdentity *int
	Metadata             map[string]any
}

// Ledger writes the append-only audit trail around governed mutations. Every
// entry point locks the target row first, so audit records for one row are
// strictly ordered and the idempotence checks hold under concurrency.
type Ledger struct {
	exec *txn.Executor
	log  *zap.Logger
}

func New(exec *txn.Executor, log *zap.Logger) *Ledger {
	return &Ledger{exec: exec, log: log}
}

// ExecuteModeration runs an administrative action in its own transaction:
// lock, snapshot, audit row, mutation. The sink passed to effects is drained
// by the executor after commit.
func (l *Ledger) ExecuteModeration(ctx context.Context, actor models.Actor, target Target, action ActionType, mutation Mutation, opts ModerationOpts, effects func(*txn.Sink, Result)) (Result, error) {
	var res Result
	err := l.exec.Run(ctx, actor, func(ctx context.Context, tx txn.Tx, sink *txn.Sink) error {
		var err error
		res, err = l.ExecuteModerationInTx(ctx, tx, actor, target, action, mutation, opts)
		if err != nil {
			return err
		}
		if effects != nil {
			effects(sink, res)
		}
		return nil
	})
	return res, err
}

// ExecuteModerationInTx composes a moderation action into an already-open
// transaction.
func (l *Ledger) ExecuteModerationInTx(ctx context.Context, tx txn.Tx, actor models.Actor, target Target, action ActionType, mutation Mutation, opts ModerationOpts) (Result, error) {
	if !action.Moderation() {
		return Result{}, fmt.Errorf("%w: %s is not a moderation action", ErrForbidden, action)
	}
	if opts.Reason == "" {
		return Result{}, fmt.Errorf("%w: reason is required for moderation", ErrForbidden)
	}

	// Deployments may install auto-audit triggers on moderated tables;
	// suppress them for this transaction so exactly one audit row exists
	// per action.
	if _, err := tx.ExecContext(ctx,
		`SELECT set_config('app.suppress_audit_triggers', 'on', true)`,
	); err != nil {
		return Result{}, txn.Classify(err)
	}

	snapshot, err := l.lockSnapshot(ctx, tx, target)
	if err != nil {
		return Result{}, err
	}

	if action.IsDelete() && snapshotDeleted(snapshot) {
		return Result{Snapshot: snapshot, Idempotent: true}, nil
	}

	metadata, err := marshalMetadata(opts.Metadata)
	if err != nil {
		return Result{}, fmt.Errorf("marshal metadata: %w", err)
	}

	var auditID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO audit_log
		   (actor_id, actor_type, impersonated_identity, target_type, target_id,
		    action_type, reason, internal_note, snapshot, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, NOW())
		 RETURNING id`,
		actor.ID, string(actor.Type), opts.ImpersonatedIdentity,
		string(target.Type), target.ID, string(action),
		opts.Reason, opts.InternalNote, []byte(snapshot), metadata,
	).Scan(&auditID)
	if err != nil {
		return Result{}, txn.Classify(err)
	}

	rowCount, err := l.applyMutation(ctx, tx, mutation)
	if err != nil {
		return Result{}, err
	}

	l.log.Info("moderation applied",
		zap.Int("actor_id", actor.ID),
		zap.String("action", string(action)),
		zap.String("target_type", string(target.Type)),
		zap.Int64("target_id", target.ID),
		zap.Int64("audit_id", auditID))

	return Result{AuditID: auditID, Snapshot: snapshot, RowCount: rowCount}, nil
}

// ExecuteUserAction runs a creator-initiated action in its own transaction.
// Ownership is verified against the locked snapshot before anything is
// written; delete-type actions on an already-deleted row return
// Idempotent=true without a ledger row or mutation.
func (l *Ledger) ExecuteUserAction(ctx context.Context, actor models.Actor, target Target, action ActionType, mutation Mutation, effects func(*txn.Sink, Result)) (Result, error) {
	var res Result
	err := l.exec.Run(ctx, actor, func(ctx context.Context, tx txn.Tx, sink *txn.Sink) error {
		var err error
		res, err = l.ExecuteUserActionInTx(ctx, tx, actor, target, action, mutation)
		if err != nil {
			return err
		}
		if effects != nil && !res.Idempotent {
			effects(sink, res)
		}
		return nil
	})
	return res, err
}

// ExecuteUserActionInTx composes a user action into an already-open
// transaction.
func (l *Ledger) ExecuteUserActionInTx(ctx context.Context, tx txn.Tx, actor models.Actor, target Target, action ActionType, mutation Mutation) (Result, error) {
	if action.Moderation() {
		return Result{}, fmt.Errorf("%w: %s requires the moderation entry point", ErrForbidden, action)
	}

	snapshot, err := l.lockSnapshot(ctx, tx, target)
	if err != nil {
		return Result{}, err
	}

	ownerID, ok := snapshotOwner(snapshot, target.Type)
	if !ok || ownerID != actor.ID {
		return Result{}, fmt.Errorf("%w: actor %d does not own %s %d",
			ErrForbidden, actor.ID, target.Type, target.ID)
	}

	if action.IsDelete() && snapshotDeleted(snapshot) {
		return Result{Snapshot: snapshot, Idempotent: true}, nil
	}

	var recordID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO user_action_log
		   (actor_id, target_type, target_id, action_type, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id`,
		actor.ID, string(target.Type), target.ID, string(action), []byte(snapshot),
	).Scan(&recordID)
	if err != nil {
		return Result{}, txn.Classify(err)
	}

	rowCount, err := l.applyMutation(ctx, tx, mutation)
	if err != nil {
		return Result{}, err
	}

	return Result{AuditID: recordID, Snapshot: snapshot, RowCount: rowCount}, nil
}

// lockSnapshot takes the exclusive row lock and captures the pre-mutation
// state verbatim. A concurrent governed call on the same row blocks here
// until this transaction finishes; the statement timeout bounds the wait.
func (l *Ledger) lockSnapshot(ctx context.Context, tx txn.Tx, target Target) (json.RawMessage, error) {
	table, err := target.Type.table()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var snapshot []byte
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE id = $1 FOR UPDATE`, table),
		target.ID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, target.Type, target.ID)
	}
	if err != nil {
		return nil, txn.Classify(err)
	}
	return snapshot, nil
}

func (l *Ledger) applyMutation(ctx context.Context, tx txn.Tx, mutation Mutation) (int64, error) {
	res, err := tx.ExecContext(ctx, mutation.Query, mutation.Args...)
	if err != nil {
		return 0, txn.Classify(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, txn.Classify(err)
	}
	return rows, nil
}

func snapshotOwner(snapshot json.RawMessage, target TargetType) (int, bool) {
	var row map[string]any
	if err := json.Unmarshal(snapshot, &row); err != nil {
		return 0, false
	}
	owner, ok := row[target.ownerField()].(float64)
	if !ok {
		return 0, false
	}
	return int(owner), true
}

func snapshotDeleted(snapshot json.RawMessage) bool {
	var row map[string]any
	if err := json.Unmarshal(snapshot, &row); err != nil {
		return false
	}
	deleted, ok := row["deleted_at"]
	return ok && deleted != nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(metadata)
}
