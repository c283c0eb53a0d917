package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patternflow/agentflow"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// MemorySessionStore is an in-memory agentflow.SessionStore, a
// mutex-guarded map: a test double and short-lived local run backend. FileSessionStore, not this type, is the on-disk default.
// State is lost on process exit.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*agentflow.SessionState
}

// NewMemorySessionStore builds an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: map[string]*agentflow.SessionState{}}
}

func (m *MemorySessionStore) Put(_ context.Context, s *agentflow.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, sessionID string) (*agentflow.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessionStore) List(_ context.Context, filter agentflow.ListFilter) ([]*agentflow.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*agentflow.SessionState
	for _, s := range m.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// SQLiteSessionStore is a file-backed agentflow.SessionStore. path may be
// a file path or ":memory:"; NewSQLiteSessionStore enables WAL mode and a
// 5s busy timeout and limits the pool to one open connection.
type SQLiteSessionStore struct {
	*sqlSessionStore
}

// NewSQLiteSessionStore opens (creating if needed) a SQLite-backed session
// store at path.
func NewSQLiteSessionStore(path string) (*SQLiteSessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &sqlSessionStore{db: db, dialect: dialectSQLite}
	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSessionStore{sqlSessionStore: s}, nil
}

// MySQLSessionStore is a MySQL/MariaDB-backed agentflow.SessionStore, for
// deployments running the executor across multiple worker processes that
// must share paused/resumed session state.
type MySQLSessionStore struct {
	*sqlSessionStore
}

// NewMySQLSessionStore opens a connection pool against dsn and ensures the
// agentflow_sessions table exists.
func NewMySQLSessionStore(dsn string) (*MySQLSessionStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}

	s := &sqlSessionStore{db: db, dialect: dialectMySQL}
	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLSessionStore{sqlSessionStore: s}, nil
}

// sqlSessionStore backs agentflow.SessionStore with a single-table schema
// over database/sql; SQLiteSessionStore and MySQLSessionStore differ only
// in the driver name, DSN handling, and the upsert dialect, so the actual
// query logic lives here once.
type sqlSessionStore struct {
	db      *sql.DB
	dialect dialect
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectMySQL
)

const sessionColumns = `session_id, spec_hash, spec_name, status, created_at, updated_at,
	pattern_state, token_usage, variables, paused_hitl, last_response, last_error`

func (s *sqlSessionStore) createTable(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case dialectMySQL:
		ddl = `
			CREATE TABLE IF NOT EXISTS agentflow_sessions (
				session_id VARCHAR(64) PRIMARY KEY,
				spec_hash VARCHAR(128) NOT NULL,
				spec_name VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				created_at VARCHAR(40) NOT NULL,
				updated_at VARCHAR(40) NOT NULL,
				pattern_state MEDIUMTEXT,
				token_usage TEXT NOT NULL,
				variables TEXT NOT NULL,
				paused_hitl TEXT,
				last_response MEDIUMTEXT,
				last_error TEXT,
				INDEX idx_agentflow_sessions_status (status)
			)
		`
	default:
		ddl = `
			CREATE TABLE IF NOT EXISTS agentflow_sessions (
				session_id TEXT PRIMARY KEY,
				spec_hash TEXT NOT NULL,
				spec_name TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				pattern_state TEXT,
				token_usage TEXT NOT NULL,
				variables TEXT NOT NULL,
				paused_hitl TEXT,
				last_response TEXT,
				last_error TEXT
			)
		`
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating agentflow_sessions table: %w", err)
	}
	if s.dialect == dialectSQLite {
		if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_agentflow_sessions_status ON agentflow_sessions(status)"); err != nil {
			return fmt.Errorf("creating status index: %w", err)
		}
	}
	return nil
}

func (s *sqlSessionStore) Put(ctx context.Context, session *agentflow.SessionState) error {
	tokenUsage, err := json.Marshal(session.TokenUsage)
	if err != nil {
		return fmt.Errorf("marshal token_usage: %w", err)
	}
	variables, err := json.Marshal(session.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	var pausedHITL []byte
	if session.PausedHITL != nil {
		pausedHITL, err = json.Marshal(session.PausedHITL)
		if err != nil {
			return fmt.Errorf("marshal paused_hitl: %w", err)
		}
	}

	var query string
	switch s.dialect {
	case dialectMySQL:
		query = `
			INSERT INTO agentflow_sessions (` + sessionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				spec_hash = VALUES(spec_hash), spec_name = VALUES(spec_name),
				status = VALUES(status), updated_at = VALUES(updated_at),
				pattern_state = VALUES(pattern_state), token_usage = VALUES(token_usage),
				variables = VALUES(variables), paused_hitl = VALUES(paused_hitl),
				last_response = VALUES(last_response), last_error = VALUES(last_error)
		`
	default:
		query = `
			INSERT INTO agentflow_sessions (` + sessionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				spec_hash = excluded.spec_hash, spec_name = excluded.spec_name,
				status = excluded.status, updated_at = excluded.updated_at,
				pattern_state = excluded.pattern_state, token_usage = excluded.token_usage,
				variables = excluded.variables, paused_hitl = excluded.paused_hitl,
				last_response = excluded.last_response, last_error = excluded.last_error
		`
	}

	_, err = s.db.ExecContext(ctx, query,
		session.SessionID, session.SpecHash, session.SpecName, string(session.Status),
		session.CreatedAt.UTC().Format(time.RFC3339Nano), session.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableString(session.PatternState), string(tokenUsage), string(variables),
		nullableString(pausedHITL), session.LastResponse, session.LastError,
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *sqlSessionStore) Get(ctx context.Context, sessionID string) (*agentflow.SessionState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agentflow_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	return session, nil
}

func (s *sqlSessionStore) List(ctx context.Context, filter agentflow.ListFilter) ([]*agentflow.SessionState, error) {
	query := `SELECT ` + sessionColumns + ` FROM agentflow_sessions`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		// Neither dialect accepts a bare OFFSET without LIMIT; a very large
		// limit stands in for "unbounded" in both.
		query += ` LIMIT ? OFFSET ?`
		args = append(args, int64(1)<<62, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*agentflow.SessionState
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *sqlSessionStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agentflow_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *sqlSessionStore) Close() error {
	return s.db.Close()
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanSession serves
// both Get (single row) and List (row iterator).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*agentflow.SessionState, error) {
	var (
		session                             agentflow.SessionState
		status, createdAt, updatedAt        string
		patternState, pausedHITL            sql.NullString
		tokenUsage, variables               string
	)
	if err := row.Scan(
		&session.SessionID, &session.SpecHash, &session.SpecName, &status,
		&createdAt, &updatedAt, &patternState, &tokenUsage, &variables,
		&pausedHITL, &session.LastResponse, &session.LastError,
	); err != nil {
		return nil, err
	}

	session.Status = agentflow.SessionStatus(status)

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	session.CreatedAt = created

	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	session.UpdatedAt = updated

	if patternState.Valid {
		session.PatternState = json.RawMessage(patternState.String)
	}
	if err := json.Unmarshal([]byte(tokenUsage), &session.TokenUsage); err != nil {
		return nil, fmt.Errorf("unmarshal token_usage: %w", err)
	}
	if err := json.Unmarshal([]byte(variables), &session.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if pausedHITL.Valid {
		var p agentflow.PausedHITL
		if err := json.Unmarshal([]byte(pausedHITL.String), &p); err != nil {
			return nil, fmt.Errorf("unmarshal paused_hitl: %w", err)
		}
		session.PausedHITL = &p
	}
	return &session, nil
}

// nullableString turns an empty/nil byte slice into a SQL NULL instead of
// an empty string, so PatternState's omitempty semantics survive a round
// trip through the store.
func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
