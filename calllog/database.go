package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Memory retention constants
const (
	// DefaultMaxEntries is the default number of call records kept in memory
	DefaultMaxEntries = 5000
	// MaxFieldSize is the maximum stored size of arguments or results
	MaxFieldSize = 50 * 1024
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// CallRecord is one tools/call served by the MCP endpoint
type CallRecord struct {
	ID uuid.UUID `json:"id"`
	// RequestID is the JSON-RPC id of the tools/call message
	RequestID string `json:"request_id"`
	// HTTPRequestID is the X-Request-ID of the HTTP request that carried it
	HTTPRequestID string          `json:"http_request_id"`
	Tool          string          `json:"tool"`
	Arguments     json.RawMessage `json:"arguments"`
	Result        string          `json:"result"`
	IsError       bool            `json:"is_error"`
	DurationMS    int64           `json:"duration_ms"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LoggingDB defines the interface for call log storage
type LoggingDB interface {
	// InsertCall stores a call record
	InsertCall(ctx context.Context, record CallRecord) error

	// GetCalls retrieves call records, newest first
	GetCalls(ctx context.Context, limit int, offset int) ([]CallRecord, error)

	// GetCallsCount returns the total number of call records
	GetCallsCount(ctx context.Context) (int, error)

	// ClearCalls removes all call records
	ClearCalls(ctx context.Context) error

	// CleanupOldCalls removes records older than the given duration
	CleanupOldCalls(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close closes the storage
	Close() error
}

// PostgresLoggingDB implements LoggingDB for PostgreSQL
type PostgresLoggingDB struct {
	db *sql.DB
}

// NewPostgresLoggingDB creates a new PostgreSQL call log
func NewPostgresLoggingDB(ctx context.Context, config DatabaseConfig) (*PostgresLoggingDB, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTableIfNotExists(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &PostgresLoggingDB{db: db}, nil
}

// createTableIfNotExists creates the tool_calls table if it doesn't exist
func createTableIfNotExists(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id UUID PRIMARY KEY,
		request_id VARCHAR(200) NOT NULL DEFAULT '',
		http_request_id VARCHAR(200) NOT NULL DEFAULT '',
		tool VARCHAR(100) NOT NULL,
		arguments JSONB NOT NULL DEFAULT '{}',
		result TEXT NOT NULL DEFAULT '',
		is_error BOOLEAN NOT NULL DEFAULT FALSE,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	ALTER TABLE tool_calls ADD COLUMN IF NOT EXISTS http_request_id VARCHAR(200) NOT NULL DEFAULT '';

	CREATE INDEX IF NOT EXISTS idx_tool_calls_created_at ON tool_calls(created_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_is_error ON tool_calls(is_error);
	`

	_, err := db.ExecContext(ctx, query)
	return err
}

// InsertCall stores a call record
func (p *PostgresLoggingDB) InsertCall(ctx context.Context, record CallRecord) error {
	record = truncate(record)
	args := record.Arguments
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage(`{}`)
	}

	query := `
	INSERT INTO tool_calls (id, request_id, http_request_id, tool, arguments, result, is_error, duration_ms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := p.db.ExecContext(ctx, query,
		record.ID.String(), record.RequestID, record.HTTPRequestID, record.Tool, string(args),
		record.Result, record.IsError, record.DurationMS, record.CreatedAt)
	return err
}

// GetCalls retrieves call records, newest first
func (p *PostgresLoggingDB) GetCalls(ctx context.Context, limit int, offset int) ([]CallRecord, error) {
	query := `
	SELECT id, request_id, http_request_id, tool, arguments, result, is_error, duration_ms, created_at
	FROM tool_calls
	ORDER BY created_at DESC
	LIMIT $1 OFFSET $2
	`

	rows, err := p.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := make([]CallRecord, 0)
	for rows.Next() {
		var (
			rec  CallRecord
			id   string
			args []byte
		)
		if err := rows.Scan(&id, &rec.RequestID, &rec.HTTPRequestID, &rec.Tool, &args, &rec.Result, &rec.IsError, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid call id %q: %w", id, err)
		}
		rec.Arguments = json.RawMessage(args)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetCallsCount returns the total number of call records
func (p *PostgresLoggingDB) GetCallsCount(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_calls`).Scan(&count)
	return count, err
}

// ClearCalls removes all call records
func (p *PostgresLoggingDB) ClearCalls(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM tool_calls`)
	return err
}

// CleanupOldCalls removes records older than specified duration
func (p *PostgresLoggingDB) CleanupOldCalls(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM tool_calls WHERE created_at < NOW() - make_interval(secs => $1)`

	result, err := p.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the database connection
func (p *PostgresLoggingDB) Close() error {
	return p.db.Close()
}

// InMemoryLoggingDB implements LoggingDB in memory (fallback)
type InMemoryLoggingDB struct {
	mu         sync.RWMutex
	records    []CallRecord // oldest first
	maxEntries int
}

// NewInMemoryLoggingDB creates an in-memory call log keeping at most maxEntries records
func NewInMemoryLoggingDB(maxEntries int) *InMemoryLoggingDB {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &InMemoryLoggingDB{maxEntries: maxEntries}
}

// InsertCall stores a call record, evicting the oldest when full
func (m *InMemoryLoggingDB) InsertCall(ctx context.Context, record CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, truncate(record))
	if over := len(m.records) - m.maxEntries; over > 0 {
		m.records = append(m.records[:0:0], m.records[over:]...)
	}
	return nil
}

// GetCalls retrieves call records, newest first
func (m *InMemoryLoggingDB) GetCalls(ctx context.Context, limit int, offset int) ([]CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]CallRecord, 0)
	for i := len(m.records) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		result = append(result, m.records[i])
	}
	return result, nil
}

// GetCallsCount returns the number of stored records
func (m *InMemoryLoggingDB) GetCallsCount(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// ClearCalls removes all records
func (m *InMemoryLoggingDB) ClearCalls(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

// CleanupOldCalls removes records created before now minus olderThan
func (m *InMemoryLoggingDB) CleanupOldCalls(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := m.records[:0]
	var removed int64
	for _, r := range m.records {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return removed, nil
}

// Close is a no-op for in-memory storage
func (m *InMemoryLoggingDB) Close() error {
	return nil
}

func truncate(record CallRecord) CallRecord {
	if len(record.Result) > MaxFieldSize {
		cut := MaxFieldSize
		for cut > 0 && !utf8.RuneStart(record.Result[cut]) {
			cut--
		}
		record.Result = record.Result[:cut]
	}
	if len(record.Arguments) > MaxFieldSize {
		record.Arguments = json.RawMessage(`{"truncated":true}`)
	}
	return record
}
