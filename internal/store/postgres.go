package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"incident-reporter-go/internal/models"

	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB exposes the pool for the components that manage their own statements
// (transaction executor, notification queue).
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// RunMigrations creates tables if they don't exist and applies schema updates
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}

	// Apply migrations for existing tables
	migrations := []string{
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS totp_secret VARCHAR(255);`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS totp_enabled BOOLEAN DEFAULT FALSE;`,
		`ALTER TABLE notification_jobs ADD COLUMN IF NOT EXISTS last_error TEXT;`,
		`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS live_sent_at TIMESTAMP WITH TIME ZONE;`,
		`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS job_id UUID;`,
		`ALTER TABLE notifications DROP CONSTRAINT IF EXISTS notifications_identity_entity_type_entity_id_key;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS notifications_job_id_key ON notifications (job_id);`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// User methods

func (s *PostgresStore) CreateUser(ctx context.Context, username, password, role string) (models.User, error) {
	passwordHash, err := models.HashPassword(password)
	if err != nil {
		return models.User{}, err
	}

	var user models.User
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password_hash, role, created_at)
		 VALUES ($1, $2, $3, NOW())
		 RETURNING id, username, password_hash, role, created_at`,
		username, passwordHash, role,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)

	if err != nil {
		return models.User{}, err
	}

	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int) (models.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return s.getUser(ctx, `WHERE username = $1`, username)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (models.User, error) {
	var user models.User
	var totpSecret sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, totp_secret, totp_enabled, created_at FROM users `+where,
		arg,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &totpSecret, &user.TOTPEnabled, &user.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user: %w", ErrNotFound)
	}
	if err != nil {
		return models.User{}, err
	}

	if totpSecret.Valid {
		user.TOTPSecret = totpSecret.String
	}

	return user, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID int, newPasswordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1 WHERE id = $2`,
		newPasswordHash, userID,
	)
	return err
}

// 2FA methods

func (s *PostgresStore) UpdateUser2FA(ctx context.Context, userID int, totpSecret string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET totp_secret = $1, totp_enabled = $2 WHERE id = $3`,
		totpSecret, enabled, userID,
	)
	return err
}

func (s *PostgresStore) Disable2FA(ctx context.Context, userID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET totp_secret = NULL, totp_enabled = FALSE WHERE id = $1`,
		userID,
	)
	return err
}

// Report methods

func (s *PostgresStore) CreateReport(ctx context.Context, ownerID int, title, description, category string, lat, lng float64) (models.Report, error) {
	var report models.Report
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO reports (owner_id, title, description, category, status, latitude, longitude, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 RETURNING id, owner_id, title, description, category, status, latitude, longitude, hidden, created_at`,
		ownerID, title, description, category, models.ReportStatusOpen, lat, lng,
	).Scan(&report.ID, &report.OwnerID, &report.Title, &report.Description, &report.Category,
		&report.Status, &report.Latitude, &report.Longitude, &report.Hidden, &report.CreatedAt)

	return report, err
}

func (s *PostgresStore) GetReport(ctx context.Context, id int) (models.Report, error) {
	var report models.Report
	var deletedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, description, category, status, latitude, longitude, hidden, created_at, deleted_at
		 FROM reports WHERE id = $1`,
		id,
	).Scan(&report.ID, &report.OwnerID, &report.Title, &report.Description, &report.Category,
		&report.Status, &report.Latitude, &report.Longitude, &report.Hidden, &report.CreatedAt, &deletedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return models.Report{}, fmt.Errorf("report: %w", ErrNotFound)
	}
	if err != nil {
		return models.Report{}, err
	}

	if deletedAt.Valid {
		report.DeletedAt = &deletedAt.Time
	}
	return report, nil
}

// GetReportFollowers returns the identities following a report, owner
// included. Recipients for REPORT_ACTIVITY jobs come from here.
func (s *PostgresStore) GetReportFollowers(ctx context.Context, reportID int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM report_follows WHERE report_id = $1
		 UNION
		 SELECT owner_id FROM reports WHERE id = $1`,
		reportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			continue
		}
		followers = append(followers, id)
	}
	return followers, rows.Err()
}

func (s *PostgresStore) FollowReport(ctx context.Context, userID, reportID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO report_follows (user_id, report_id, created_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id, report_id) DO NOTHING`,
		userID, reportID,
	)
	return err
}

func (s *PostgresStore) UnfollowReport(ctx context.Context, userID, reportID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM report_follows WHERE user_id = $1 AND report_id = $2`,
		userID, reportID,
	)
	return err
}

// Push subscription methods

func (s *PostgresStore) SavePushSubscription(ctx context.Context, userID int, endpoint, p256dh, auth string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (endpoint) DO UPDATE SET user_id = $1, p256dh = $3, auth = $4`,
		userID, endpoint, p256dh, auth,
	)
	return err
}

func (s *PostgresStore) GetPushSubscriptions(ctx context.Context, userID int) ([]models.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, p256dh, auth, created_at
		 FROM push_subscriptions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			continue
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

func (s *PostgresStore) DeletePushSubscription(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id)
	return err
}

// Ledger read methods

// ListAuditRecords returns the moderation ledger entries for one target,
// newest first. Read-only: nothing anywhere updates or deletes these rows.
func (s *PostgresStore) ListAuditRecords(ctx context.Context, targetType string, targetID int64) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor_id, actor_type, impersonated_identity, target_type, target_id,
		        action_type, reason, internal_note, snapshot, metadata, created_at
		 FROM audit_log
		 WHERE target_type = $1 AND target_id = $2
		 ORDER BY created_at DESC`,
		targetType, targetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var impersonated sql.NullInt64
		var note sql.NullString
		var metadata []byte
		if err := rows.Scan(&rec.ID, &rec.ActorID, &rec.ActorType, &impersonated,
			&rec.TargetType, &rec.TargetID, &rec.ActionType, &rec.Reason,
			&note, &rec.Snapshot, &metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if impersonated.Valid {
			v := int(impersonated.Int64)
			rec.ImpersonatedIdentity = &v
		}
		if note.Valid {
			rec.InternalNote = &note.String
		}
		rec.Metadata = metadata
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListUserActionRecords returns the creator-initiated ledger entries for one
// target, newest first.
func (s *PostgresStore) ListUserActionRecords(ctx context.Context, targetType string, targetID int64) ([]models.UserActionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor_id, target_type, target_id, action_type, snapshot, created_at
		 FROM user_action_log
		 WHERE target_type = $1 AND target_id = $2
		 ORDER BY created_at DESC`,
		targetType, targetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.UserActionRecord
	for rows.Next() {
		var rec models.UserActionRecord
		if err := rows.Scan(&rec.ID, &rec.ActorID, &rec.TargetType, &rec.TargetID,
			&rec.ActionType, &rec.Snapshot, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
