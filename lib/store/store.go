// Package store persists session tokens in SQLite so rotated refresh
// tokens survive restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
	"github.com/go-i2p/psnpool/lib/session"
)

// ErrNotFound is returned when no session is stored for an account.
var ErrNotFound = fmt.Errorf("store: session %w", apperrors.ErrNotFound)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	account_key     TEXT PRIMARY KEY,
	online_id       TEXT NOT NULL,
	account_id      TEXT NOT NULL DEFAULT '',
	region          TEXT NOT NULL,
	language        TEXT NOT NULL,
	access_token    TEXT NOT NULL DEFAULT '',
	refresh_token   TEXT NOT NULL DEFAULT '',
	last_refresh_at INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL
);
`

// Store is a SQLite-backed token store. It implements session.TokenSink.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ session.TokenSink = (*Store)(nil)

func dsnWithPragmas(path string) string {
	return path + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(path))
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// One writer at a time; token saves are rare.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}

	log.WithField("path", path).Debug("token store opened")
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (st *Store) Close() error {
	return st.db.Close()
}

func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn, retrying with backoff while SQLite reports a lock.
func retryOnBusy(ctx context.Context, fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil || !isBusyLock(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SaveSession stores s, replacing what was stored for its account.
func (st *Store) SaveSession(ctx context.Context, s *session.Session) error {
	if s.Key() == "" {
		return fmt.Errorf("store: session has no account: %w", apperrors.ErrInvalidInput)
	}

	err := retryOnBusy(ctx, func() error {
		_, err := st.db.ExecContext(ctx, `
			INSERT INTO sessions (account_key, online_id, account_id, region, language, access_token, refresh_token, last_refresh_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_key) DO UPDATE SET
				online_id = excluded.online_id,
				account_id = excluded.account_id,
				region = excluded.region,
				language = excluded.language,
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				last_refresh_at = excluded.last_refresh_at,
				updated_at = excluded.updated_at`,
			s.Key(), s.OnlineID, s.AccountID, s.Region, s.Language,
			s.AccessToken, s.RefreshToken, toMillis(s.LastRefreshAt), st.now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: saving session %s: %w", s.Key(), err)
	}

	log.WithField("account", s.Key()).Debug("session tokens saved")
	return nil
}

const selectColumns = `online_id, account_id, region, language, access_token, refresh_token, last_refresh_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		s           session.Session
		lastRefresh int64
	)
	if err := row.Scan(&s.OnlineID, &s.AccountID, &s.Region, &s.Language, &s.AccessToken, &s.RefreshToken, &lastRefresh); err != nil {
		return nil, err
	}
	s.LastRefreshAt = fromMillis(lastRefresh)
	return &s, nil
}

// Get returns the stored session for an account key.
func (st *Store) Get(ctx context.Context, key string) (*session.Session, error) {
	row := st.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE account_key = ?`, key)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading session %s: %w", key, err)
	}
	return s, nil
}

// Load returns every stored session, most recently saved first.
func (st *Store) Load(ctx context.Context) ([]*session.Session, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM sessions ORDER BY updated_at DESC, account_key`)
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	return sessions, nil
}

// Delete removes the stored session for an account key.
func (st *Store) Delete(ctx context.Context, key string) error {
	var result sql.Result
	err := retryOnBusy(ctx, func() error {
		var err error
		result, err = st.db.ExecContext(ctx, `DELETE FROM sessions WHERE account_key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: deleting session %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: deleting session %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
