package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// SQLStore keeps node locks and presence rows in Postgres or sqlite. Queries
// are written with $N placeholders and rebound for sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// rebind turns $N into ?N for sqlite, which binds ?N by position and lets the
// same argument appear more than once.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

const acquireLockQuery = `
	INSERT INTO node_locks (resource_id, owner_id, owner_label, acquired_at_ms, expires_at_ms)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (resource_id) DO UPDATE SET
		owner_id = excluded.owner_id,
		owner_label = excluded.owner_label,
		acquired_at_ms = excluded.acquired_at_ms,
		expires_at_ms = excluded.expires_at_ms
	WHERE node_locks.owner_id = excluded.owner_id
		OR node_locks.expires_at_ms <= excluded.acquired_at_ms
	RETURNING resource_id, owner_id, owner_label, acquired_at_ms, expires_at_ms
`

// AcquireLock grants candidate when the row is free, expired, or already held
// by candidate.OwnerID. The decision is a single conditional upsert. When the
// grant is refused the current holder is returned with granted=false.
func (s *SQLStore) AcquireLock(ctx context.Context, candidate Lock) (Lock, bool, error) {
	query := rebind(s.dialect, acquireLockQuery)
	for attempt := 0; attempt < 2; attempt++ {
		var (
			lock                 Lock
			acquiredMs, expiryMs int64
		)
		err := s.db.QueryRowContext(ctx, query,
			candidate.ResourceID,
			candidate.OwnerID,
			candidate.OwnerLabel,
			toMillis(candidate.AcquiredAt),
			toMillis(candidate.ExpiresAt),
		).Scan(&lock.ResourceID, &lock.OwnerID, &lock.OwnerLabel, &acquiredMs, &expiryMs)
		if err == nil {
			lock.AcquiredAt = fromMillis(acquiredMs)
			lock.ExpiresAt = fromMillis(expiryMs)
			return lock, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Lock{}, false, fmt.Errorf("acquire lock: %w", err)
		}

		holder, err := s.GetLock(ctx, candidate.ResourceID, candidate.AcquiredAt)
		if err == nil {
			return holder, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Lock{}, false, err
		}
		// The holder released or expired between the upsert and the read.
	}
	return Lock{}, false, nil
}

// ReleaseLock deletes the row only when ownerID holds it. It reports whether a
// row was removed.
func (s *SQLStore) ReleaseLock(ctx context.Context, resourceID, ownerID string) (bool, error) {
	query := rebind(s.dialect, `DELETE FROM node_locks WHERE resource_id=$1 AND owner_id=$2`)
	result, err := s.db.ExecContext(ctx, query, resourceID, ownerID)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) GetLock(ctx context.Context, resourceID string, now time.Time) (Lock, error) {
	query := rebind(s.dialect, `
		SELECT resource_id, owner_id, owner_label, acquired_at_ms, expires_at_ms
		FROM node_locks
		WHERE resource_id=$1 AND expires_at_ms > $2
	`)
	var (
		lock                 Lock
		acquiredMs, expiryMs int64
	)
	err := s.db.QueryRowContext(ctx, query, resourceID, toMillis(now)).
		Scan(&lock.ResourceID, &lock.OwnerID, &lock.OwnerLabel, &acquiredMs, &expiryMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, ErrNotFound
	}
	if err != nil {
		return Lock{}, fmt.Errorf("read lock: %w", err)
	}
	lock.AcquiredAt = fromMillis(acquiredMs)
	lock.ExpiresAt = fromMillis(expiryMs)
	return lock, nil
}

// ListLocks returns leases still live at now. Expired rows stay in the table
// until a sweep or a new owner overwrites them.
func (s *SQLStore) ListLocks(ctx context.Context, now time.Time) ([]Lock, error) {
	query := rebind(s.dialect, `
		SELECT resource_id, owner_id, owner_label, acquired_at_ms, expires_at_ms
		FROM node_locks
		WHERE expires_at_ms > $1
		ORDER BY resource_id
	`)
	rows, err := s.db.QueryContext(ctx, query, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	locks := make([]Lock, 0)
	for rows.Next() {
		var (
			lock                 Lock
			acquiredMs, expiryMs int64
		)
		if err := rows.Scan(&lock.ResourceID, &lock.OwnerID, &lock.OwnerLabel, &acquiredMs, &expiryMs); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		lock.AcquiredAt = fromMillis(acquiredMs)
		lock.ExpiresAt = fromMillis(expiryMs)
		locks = append(locks, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return locks, nil
}

func (s *SQLStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	query := rebind(s.dialect, `DELETE FROM node_locks WHERE expires_at_ms <= $1`)
	result, err := s.db.ExecContext(ctx, query, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLStore) UpsertPresence(ctx context.Context, record PresenceRecord) error {
	query := rebind(s.dialect, `
		INSERT INTO presence_records (user_id, email, last_seen_ms, is_online)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			email = excluded.email,
			last_seen_ms = excluded.last_seen_ms,
			is_online = excluded.is_online
	`)
	_, err := s.db.ExecContext(ctx, query, record.UserID, record.Email, toMillis(record.LastSeen), record.IsOnline)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *SQLStore) SetPresenceOffline(ctx context.Context, userID string) error {
	query := rebind(s.dialect, `UPDATE presence_records SET is_online=$2 WHERE user_id=$1`)
	if _, err := s.db.ExecContext(ctx, query, userID, false); err != nil {
		return fmt.Errorf("mark presence offline: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPresence(ctx context.Context, userID string) (PresenceRecord, error) {
	query := rebind(s.dialect, `SELECT user_id, email, last_seen_ms, is_online FROM presence_records WHERE user_id=$1`)
	var (
		record PresenceRecord
		seenMs int64
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&record.UserID, &record.Email, &seenMs, &record.IsOnline)
	if errors.Is(err, sql.ErrNoRows) {
		return PresenceRecord{}, ErrNotFound
	}
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("read presence: %w", err)
	}
	record.LastSeen = fromMillis(seenMs)
	return record, nil
}

func (s *SQLStore) ListPresence(ctx context.Context) ([]PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, email, last_seen_ms, is_online
		FROM presence_records
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	records := make([]PresenceRecord, 0)
	for rows.Next() {
		var (
			record PresenceRecord
			seenMs int64
		)
		if err := rows.Scan(&record.UserID, &record.Email, &seenMs, &record.IsOnline); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		record.LastSeen = fromMillis(seenMs)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return records, nil
}
