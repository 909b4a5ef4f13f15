// Package sqlite implements the devrelay data store backed by a SQLite
// database. It manages users, endpoints, device groups, API keys, ingested
// data events, command results, and server settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all devrelay persistence operations.
type Store struct {
	db *sql.DB

	resolveAPIKeyIDStmt  *sql.Stmt
	userBanStmt          *sql.Stmt
	endpointDisableStmt  *sql.Stmt
	endpointModeStmt     *sql.Stmt
	insertDataEventStmt  *sql.Stmt
	insertCmdResultStmt  *sql.Stmt
	authenticateEndpStmt *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const resolveAPIKeyIDQuery = `SELECT id FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`
const userBanQuery = `SELECT banned_at, ban_reason FROM users WHERE id = ?`
const endpointDisableQuery = `SELECT disabled_at, disabled_reason FROM endpoints WHERE id = ?`
const endpointModeQuery = `SELECT mode, custom_header FROM endpoints WHERE id = ?`
const authenticateEndpointQuery = `SELECT user_id FROM endpoints WHERE id = ? AND key_hash = ?`
const insertDataEventQuery = `
INSERT INTO data_events(endpoint_id, device_id, payload, is_json, received_at)
VALUES(?, ?, ?, ?, ?)`
const insertCommandResultQuery = `
INSERT INTO command_results(command_id, endpoint_id, device_id, status, error, issued_at, resolved_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(command_id) DO NOTHING`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst   **sql.Stmt
		query string
		name  string
	}{
		{&s.resolveAPIKeyIDStmt, resolveAPIKeyIDQuery, "resolve api key"},
		{&s.userBanStmt, userBanQuery, "user ban"},
		{&s.endpointDisableStmt, endpointDisableQuery, "endpoint disable"},
		{&s.endpointModeStmt, endpointModeQuery, "endpoint mode"},
		{&s.authenticateEndpStmt, authenticateEndpointQuery, "authenticate endpoint"},
		{&s.insertDataEventStmt, insertDataEventQuery, "insert data event"},
		{&s.insertCmdResultStmt, insertCommandResultQuery, "insert command result"},
	}
	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			closeErr := s.closePreparedStatements()
			return errors.Join(fmt.Errorf("prepare %s query: %w", st.name, err), closeErr)
		}
		*st.dst = prepared
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.resolveAPIKeyIDStmt))
	err = errors.Join(err, closeStmt(&s.userBanStmt))
	err = errors.Join(err, closeStmt(&s.endpointDisableStmt))
	err = errors.Join(err, closeStmt(&s.endpointModeStmt))
	err = errors.Join(err, closeStmt(&s.authenticateEndpStmt))
	err = errors.Join(err, closeStmt(&s.insertDataEventStmt))
	err = errors.Join(err, closeStmt(&s.insertCmdResultStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// queryRow runs query through stmt when it is prepared, and directly
// otherwise.
func (s *Store) queryRow(ctx context.Context, stmt *sql.Stmt, query string, args ...any) *sql.Row {
	if stmt == nil {
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

func (s *Store) exec(ctx context.Context, stmt *sql.Stmt, query string, args ...any) (sql.Result, error) {
	if stmt == nil {
		return s.db.ExecContext(ctx, query, args...)
	}
	return stmt.ExecContext(ctx, args...)
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	banned_at DATETIME NULL,
	ban_reason TEXT NULL
);
CREATE TABLE IF NOT EXISTS endpoints (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	mode TEXT NOT NULL,
	custom_header TEXT NOT NULL DEFAULT '',
	key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	disabled_at DATETIME NULL,
	disabled_reason TEXT NULL
);
CREATE TABLE IF NOT EXISTS device_groups (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL REFERENCES device_groups(id) ON DELETE CASCADE,
	endpoint_id TEXT NOT NULL REFERENCES endpoints(id),
	device_id TEXT NOT NULL,
	added_at DATETIME NOT NULL,
	PRIMARY KEY (group_id, endpoint_id, device_id)
);
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS data_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	is_json INTEGER NOT NULL,
	received_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS command_results (
	command_id TEXT PRIMARY KEY,
	endpoint_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NULL,
	issued_at DATETIME NOT NULL,
	resolved_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_endpoints_user_id ON endpoints(user_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_group_members_group ON group_members(group_id);
CREATE INDEX IF NOT EXISTS idx_data_events_endpoint_device ON data_events(endpoint_id, device_id, received_at);
CREATE INDEX IF NOT EXISTS idx_data_events_received_at ON data_events(received_at);
CREATE INDEX IF NOT EXISTS idx_command_results_endpoint_device ON command_results(endpoint_id, device_id, resolved_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	// Databases created before group members carried a timestamp.
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE group_members ADD COLUMN added_at DATETIME NOT NULL DEFAULT '1970-01-01 00:00:00'`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
			return err
		}
	}
	return nil
}
