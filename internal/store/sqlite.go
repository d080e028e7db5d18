package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"arrowmesh/internal/apperrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	requester_system TEXT NOT NULL,
	target_system TEXT NOT NULL,
	service_definition TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	subscription_id TEXT NOT NULL DEFAULT '',
	started_at INTEGER,
	finished_at INTEGER,
	message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS locks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_instance_id TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	owner_system TEXT NOT NULL,
	target_system TEXT NOT NULL,
	service_definition TEXT NOT NULL,
	payload BLOB NOT NULL,
	notify_protocol TEXT NOT NULL,
	notify_address TEXT NOT NULL,
	notify_port INTEGER NOT NULL,
	notify_path TEXT NOT NULL,
	expires_at INTEGER,
	created_at INTEGER NOT NULL,
	UNIQUE(owner_system, target_system, service_definition)
);
`

// OpenSQLite creates a SQLite backend, creating the schema if needed.
func OpenSQLite(dsn string) (*Stores, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent orchestrations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Stores{
		Jobs:          &sqliteJobStore{db: db},
		Locks:         &sqliteLockStore{db: db},
		Subscriptions: &sqliteSubscriptionStore{db: db},
		ready:         db.PingContext,
		close:         db.Close,
	}, nil
}

// isConstraintViolation reports whether err is a SQLite unique or
// primary-key constraint failure.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type sqliteJobStore struct {
	db *sql.DB
}

func (s *sqliteJobStore) Create(ctx context.Context, jobs []*Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("jobstore.create", err)
	}
	defer tx.Rollback()

	for _, j := range jobs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, requester_system, target_system, service_definition,
				type, status, subscription_id, started_at, finished_at, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.RequesterSystem, j.TargetSystem, j.ServiceDefinition,
			j.Type, string(j.Status), j.SubscriptionID,
			toMillis(j.StartedAt), toMillis(j.FinishedAt), j.Message, j.CreatedAt.UnixMilli())
		if err != nil {
			return apperrors.Internal("jobstore.create", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal("jobstore.create", err)
	}
	return nil
}

func (s *sqliteJobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, requester_system, target_system, service_definition, type,
			status, subscription_id, started_at, finished_at, message, created_at
		FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("jobstore.get", err)
	}
	return j, nil
}

func (s *sqliteJobStore) SetStatus(ctx context.Context, id string, status Status, message string) (*Job, error) {
	if !ValidStatus(status) {
		return nil, apperrors.Internal("jobstore.setStatus", fmt.Errorf("unrecognized status %q", status))
	}

	now := time.Now().UTC().UnixMilli()
	query := `UPDATE jobs SET status = ?`
	args := []any{string(status)}
	if message != "" {
		query += `, message = ?`
		args = append(args, message)
	}
	switch status {
	case StatusInProgress:
		query += `, started_at = ?`
		args = append(args, now)
	case StatusDone, StatusError:
		query += `, finished_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("jobstore.setStatus", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Internal("jobstore.setStatus", err)
	}
	if affected == 0 {
		return nil, apperrors.Internal("jobstore.setStatus", fmt.Errorf("job %s does not exist", id))
	}
	return s.Get(ctx, id)
}

func (s *sqliteJobStore) Query(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `
		SELECT id, requester_system, target_system, service_definition, type,
			status, subscription_id, started_at, finished_at, message, created_at
		FROM jobs WHERE 1=1`
	var args []any

	if len(filter.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(filter.IDs)) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.RequesterSystem != "" {
		query += ` AND requester_system = ?`
		args = append(args, filter.RequesterSystem)
	}
	if filter.TargetSystem != "" {
		query += ` AND target_system = ?`
		args = append(args, filter.TargetSystem)
	}
	if filter.ServiceDefinition != "" {
		query += ` AND service_definition = ?`
		args = append(args, filter.ServiceDefinition)
	}
	if filter.SubscriptionID != "" {
		query += ` AND subscription_id = ?`
		args = append(args, filter.SubscriptionID)
	}
	if filter.CreatedAfter != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UnixMilli())
	}
	if filter.CreatedBefore != nil {
		query += ` AND created_at <= ?`
		args = append(args, filter.CreatedBefore.UnixMilli())
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("jobstore.query", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("jobstore.query", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("jobstore.query", err)
	}
	return out, nil
}

func (s *sqliteJobStore) GetAllByStatusIn(ctx context.Context, statuses []Status) ([]*Job, error) {
	return s.Query(ctx, JobFilter{Statuses: statuses})
}

func (s *sqliteJobStore) DeleteInBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return apperrors.Internal("jobstore.deleteInBatch", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status string
	var startedAt, finishedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&j.ID, &j.RequesterSystem, &j.TargetSystem, &j.ServiceDefinition,
		&j.Type, &status, &j.SubscriptionID, &startedAt, &finishedAt, &j.Message, &createdAt); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.StartedAt = fromMillis(startedAt)
	j.FinishedAt = fromMillis(finishedAt)
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &j, nil
}

type sqliteLockStore struct {
	db *sql.DB
}

func (s *sqliteLockStore) Create(ctx context.Context, locks []*Lock) ([]*Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("lockstore.create", err)
	}
	defer tx.Rollback()

	out := make([]*Lock, 0, len(locks))
	for _, l := range locks {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO locks (service_instance_id, owner, expires_at)
			VALUES (?, ?, ?)`,
			l.ServiceInstanceID, l.Owner, l.ExpiresAt.UnixMilli())
		if isConstraintViolation(err) {
			return nil, apperrors.Conflict("lock", fmt.Sprintf("service instance %s is already locked", l.ServiceInstanceID))
		}
		if err != nil {
			return nil, apperrors.Internal("lockstore.create", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, apperrors.Internal("lockstore.create", err)
		}
		copied := *l
		copied.ID = id
		out = append(out, &copied)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("lockstore.create", err)
	}
	return out, nil
}

func (s *sqliteLockStore) GetByServiceInstanceIDs(ctx context.Context, instanceIDs []string) ([]*Lock, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		args = append(args, id)
	}
	return s.queryLocks(ctx, `
		SELECT id, service_instance_id, owner, expires_at FROM locks
		WHERE service_instance_id IN (`+placeholders(len(instanceIDs))+`)`, args...)
}

func (s *sqliteLockStore) List(ctx context.Context) ([]*Lock, error) {
	return s.queryLocks(ctx, `SELECT id, service_instance_id, owner, expires_at FROM locks ORDER BY id`)
}

func (s *sqliteLockStore) queryLocks(ctx context.Context, query string, args ...any) ([]*Lock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("lockstore.query", err)
	}
	defer rows.Close()

	var out []*Lock
	for rows.Next() {
		var l Lock
		var expiresAt int64
		if err := rows.Scan(&l.ID, &l.ServiceInstanceID, &l.Owner, &expiresAt); err != nil {
			return nil, apperrors.Internal("lockstore.query", err)
		}
		l.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("lockstore.query", err)
	}
	return out, nil
}

func (s *sqliteLockStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return apperrors.Internal("lockstore.delete", err)
	}
	return nil
}

func (s *sqliteLockStore) DeleteExpiredBefore(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, apperrors.Internal("lockstore.deleteExpired", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("lockstore.deleteExpired", err)
	}
	return int(affected), nil
}

type sqliteSubscriptionStore struct {
	db *sql.DB
}

func (s *sqliteSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, owner_system, target_system, service_definition,
			payload, notify_protocol, notify_address, notify_port, notify_path, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.OwnerSystem, sub.TargetSystem, sub.ServiceDefinition,
		sub.Payload, sub.NotifyProtocol, sub.NotifyAddress, sub.NotifyPort, sub.NotifyPath,
		toMillis(sub.ExpiresAt), sub.CreatedAt.UnixMilli())
	if isConstraintViolation(err) {
		return apperrors.Conflict("subscription", fmt.Sprintf(
			"subscription for (%s, %s, %s) already exists",
			sub.OwnerSystem, sub.TargetSystem, sub.ServiceDefinition))
	}
	if err != nil {
		return apperrors.Internal("subscriptionstore.create", err)
	}
	return nil
}

func (s *sqliteSubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, selectSubscription+` WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("subscription", id)
	}
	if err != nil {
		return nil, apperrors.Internal("subscriptionstore.get", err)
	}
	return sub, nil
}

func (s *sqliteSubscriptionStore) GetByTriple(ctx context.Context, owner, target, serviceDefinition string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, selectSubscription+`
		WHERE owner_system = ? AND target_system = ? AND service_definition = ?`,
		owner, target, serviceDefinition)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("subscription", fmt.Sprintf("(%s, %s, %s)", owner, target, serviceDefinition))
	}
	if err != nil {
		return nil, apperrors.Internal("subscriptionstore.getByTriple", err)
	}
	return sub, nil
}

func (s *sqliteSubscriptionStore) GetActiveByServiceDefinition(ctx context.Context, serviceDefinition string, now time.Time) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, selectSubscription+`
		WHERE service_definition = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at`,
		serviceDefinition, now.UnixMilli())
	if err != nil {
		return nil, apperrors.Internal("subscriptionstore.getActive", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, apperrors.Internal("subscriptionstore.getActive", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("subscriptionstore.getActive", err)
	}
	return out, nil
}

func (s *sqliteSubscriptionStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return false, apperrors.Internal("subscriptionstore.delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Internal("subscriptionstore.delete", err)
	}
	return affected > 0, nil
}

func (s *sqliteSubscriptionStore) DeleteExpiredBefore(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, apperrors.Internal("subscriptionstore.deleteExpired", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("subscriptionstore.deleteExpired", err)
	}
	return int(affected), nil
}

const selectSubscription = `
	SELECT id, owner_system, target_system, service_definition, payload,
		notify_protocol, notify_address, notify_port, notify_path, expires_at, created_at
	FROM subscriptions`

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var expiresAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&sub.ID, &sub.OwnerSystem, &sub.TargetSystem, &sub.ServiceDefinition,
		&sub.Payload, &sub.NotifyProtocol, &sub.NotifyAddress, &sub.NotifyPort, &sub.NotifyPath,
		&expiresAt, &createdAt); err != nil {
		return nil, err
	}
	sub.ExpiresAt = fromMillis(expiresAt)
	sub.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &sub, nil
}
