package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/vango-dev/duet/pkg/protocol"
)

// SQLStore is a SQL-backed archive store.
// It works with any database/sql compatible driver (PostgreSQL, MySQL, SQLite).
// Each event is one row; the trailer is a row in a second table.
// Requires tables with schema:
//
//	CREATE TABLE duet_archive (
//	    session_id VARCHAR(64) NOT NULL,
//	    seq BIGINT NOT NULL,
//	    event TEXT NOT NULL,
//	    PRIMARY KEY (session_id, seq)
//	);
//	CREATE TABLE duet_archive_trailers (
//	    session_id VARCHAR(64) PRIMARY KEY,
//	    channels TEXT NOT NULL,
//	    completed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
//	);
type SQLStore struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
	closed    atomic.Bool
}

// SQLDialect represents the SQL dialect for query generation.
type SQLDialect int

const (
	// DialectPostgreSQL uses PostgreSQL syntax ($1, $2 placeholders).
	DialectPostgreSQL SQLDialect = iota
	// DialectMySQL uses MySQL syntax (? placeholders).
	DialectMySQL
	// DialectSQLite uses SQLite syntax (? placeholders).
	DialectSQLite
)

// ParseSQLDialect maps a dialect name to its constant.
func ParseSQLDialect(name string) (SQLDialect, error) {
	switch name {
	case "postgres", "postgresql", "pgx":
		return DialectPostgreSQL, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("session: unknown sql dialect %q", name)
	}
}

// SQLStoreOption configures SQLStore behavior.
type SQLStoreOption func(*sqlStoreConfig)

type sqlStoreConfig struct {
	tableName string
	dialect   SQLDialect
}

// WithSQLTableName sets the events table name. The trailer table gets the
// same name with a "_trailers" suffix.
// Default: "duet_archive".
func WithSQLTableName(name string) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.tableName = name
	}
}

// WithSQLDialect sets the SQL dialect for query generation.
// Default: DialectPostgreSQL.
func WithSQLDialect(dialect SQLDialect) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.dialect = dialect
	}
}

// NewSQLStore creates a new SQL-backed archive store.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	cfg := &sqlStoreConfig{
		tableName: "duet_archive",
		dialect:   DialectPostgreSQL,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &SQLStore{
		db:        db,
		tableName: cfg.tableName,
		dialect:   cfg.dialect,
	}
}

func (s *SQLStore) trailerTable() string {
	return s.tableName + "_trailers"
}

// placeholder returns the placeholder syntax for the dialect.
func (s *SQLStore) placeholder(n int) string {
	switch s.dialect {
	case DialectPostgreSQL:
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

// Append inserts one row per event after the session's last row and drops
// any trailer.
func (s *SQLStore) Append(ctx context.Context, sessionID string, events []protocol.Event) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(seq), -1) FROM %s WHERE session_id = %s`,
		s.tableName, s.placeholder(1))
	if err := tx.QueryRowContext(ctx, query, sessionID).Scan(&last); err != nil {
		return err
	}

	if len(events) > 0 {
		query = fmt.Sprintf(`INSERT INTO %s (session_id, seq, event) VALUES (%s, %s, %s)`,
			s.tableName, s.placeholder(1), s.placeholder(2), s.placeholder(3))
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, ev := range events {
			data, err := ev.MarshalJSON()
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, sessionID, last+1+int64(i), string(data)); err != nil {
				return err
			}
		}
	}

	query = fmt.Sprintf(`DELETE FROM %s WHERE session_id = %s`, s.trailerTable(), s.placeholder(1))
	if _, err := tx.ExecContext(ctx, query, sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

// Complete stores the trailer for a session.
func (s *SQLStore) Complete(ctx context.Context, sessionID string, channels []protocol.ChannelID) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}

	if channels == nil {
		channels = []protocol.ChannelID{}
	}
	list, err := json.Marshal(channels)
	if err != nil {
		return err
	}

	var query string
	switch s.dialect {
	case DialectPostgreSQL:
		query = fmt.Sprintf(`
			INSERT INTO %s (session_id, channels, completed_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (session_id) DO UPDATE SET
				channels = EXCLUDED.channels,
				completed_at = NOW()
		`, s.trailerTable())
	case DialectMySQL:
		query = fmt.Sprintf(`
			INSERT INTO %s (session_id, channels, completed_at)
			VALUES (?, ?, NOW())
			ON DUPLICATE KEY UPDATE
				channels = VALUES(channels),
				completed_at = NOW()
		`, s.trailerTable())
	case DialectSQLite:
		query = fmt.Sprintf(`
			INSERT OR REPLACE INTO %s (session_id, channels, completed_at)
			VALUES (?, ?, datetime('now'))
		`, s.trailerTable())
	}

	_, err = s.db.ExecContext(ctx, query, sessionID, string(list))
	return err
}

// Read loads a session's events in order and its trailer, if any.
func (s *SQLStore) Read(ctx context.Context, sessionID string) (*protocol.Archive, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed{}
	}

	query := fmt.Sprintf(`SELECT event FROM %s WHERE session_id = %s ORDER BY seq`,
		s.tableName, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	a := &protocol.Archive{Events: []protocol.Event{}}
	found := false
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev protocol.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidArchive, err)
		}
		a.Events = append(a.Events, ev)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var list string
	query = fmt.Sprintf(`SELECT channels FROM %s WHERE session_id = %s`,
		s.trailerTable(), s.placeholder(1))
	err = s.db.QueryRowContext(ctx, query, sessionID).Scan(&list)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, err
	default:
		found = true
		a.Channels = []protocol.ChannelID{}
		if err := json.Unmarshal([]byte(list), &a.Channels); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidArchive, err)
		}
		a.Complete = true
	}

	if !found {
		return nil, nil
	}
	return a, nil
}

// Delete removes a session's rows from both tables.
func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{s.tableName, s.trailerTable()} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE session_id = %s`, table, s.placeholder(1))
		if _, err := tx.ExecContext(ctx, query, sessionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close shuts down the store.
// Note: This does not close the underlying database connection,
// as it may be shared with other components.
func (s *SQLStore) Close() error {
	s.closed.Store(true)
	return nil
}

// CreateTable creates the archive tables if they don't exist.
// This is a convenience method for development/testing.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	var events, trailers string
	switch s.dialect {
	case DialectPostgreSQL:
		events = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id VARCHAR(64) NOT NULL,
				seq BIGINT NOT NULL,
				event TEXT NOT NULL,
				PRIMARY KEY (session_id, seq)
			)
		`, s.tableName)
		trailers = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id VARCHAR(64) PRIMARY KEY,
				channels TEXT NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)
		`, s.trailerTable())
	case DialectMySQL:
		events = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id VARCHAR(64) NOT NULL,
				seq BIGINT NOT NULL,
				event MEDIUMTEXT NOT NULL,
				PRIMARY KEY (session_id, seq)
			)
		`, s.tableName)
		trailers = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id VARCHAR(64) PRIMARY KEY,
				channels TEXT NOT NULL,
				completed_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)
		`, s.trailerTable())
	case DialectSQLite:
		events = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				event TEXT NOT NULL,
				PRIMARY KEY (session_id, seq)
			)
		`, s.tableName)
		trailers = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id TEXT PRIMARY KEY,
				channels TEXT NOT NULL,
				completed_at TEXT DEFAULT (datetime('now'))
			)
		`, s.trailerTable())
	}

	if _, err := s.db.ExecContext(ctx, events); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, trailers)
	return err
}
