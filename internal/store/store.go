// Package store provides the SQLite persistence layer: interaction
// history, the response cache, and aggregate metrics. All mutations go
// through a single writer goroutine so sessions never contend for the
// write lock; reads run concurrently under WAL.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Interaction is one row of the interaction history: a completed (or
// cache-served) exchange with the upstream model server.
type Interaction struct {
	ID                   int64  `json:"id"`
	Timestamp            string `json:"timestamp"`
	Method               string `json:"method"`
	Endpoint             string `json:"endpoint"`
	Model                string `json:"model"`
	RequestBody          string `json:"request_body"`
	ResponseStatus       int    `json:"response_status"`
	ResponseBody         string `json:"response_body"`
	DurationMs           int64  `json:"duration_ms"`
	PromptTokens         int    `json:"prompt_tokens"`
	CompletionTokens     int    `json:"completion_tokens"`
	PromptEvalDurationMs int64  `json:"prompt_eval_duration_ms"`
	EvalDurationMs       int64  `json:"eval_duration_ms"`
	TTFTMs               int64  `json:"ttft_ms"`
	Starred              bool   `json:"is_starred"`
}

// Aggregate holds the derived metrics over the interaction history.
// Cache hits are the records with a duration of exactly zero.
type Aggregate struct {
	TotalRequests int     `json:"total_requests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

// Store owns the database handle. Reads are synchronous; writes are
// enqueued to the single writer via LogInteraction. CacheResponse is the
// one synchronous mutation: it runs on the caller's path by design, so a
// follow-up identical request observes the entry immediately.
type Store struct {
	db           *sql.DB
	logger       *zap.Logger
	historyLimit int

	writer *writeQueue
}

// Config contains the store configuration.
type Config struct {
	// Path is the path to the SQLite database file.
	Path string
	// HistoryLimit is the number of interaction records retained; after
	// every insert all older rows are deleted.
	HistoryLimit int
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
	method TEXT,
	endpoint TEXT,
	model TEXT,
	request_body TEXT,
	response_status INTEGER,
	response_body TEXT,
	duration_ms INTEGER,
	prompt_tokens INTEGER DEFAULT 0,
	completion_tokens INTEGER DEFAULT 0,
	prompt_eval_duration_ms INTEGER DEFAULT 0,
	eval_duration_ms INTEGER DEFAULT 0,
	ttft_ms INTEGER DEFAULT 0,
	is_starred INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cache (
	request_body TEXT PRIMARY KEY,
	response_status INTEGER,
	response_body TEXT
);
`

// Open opens (or creates) the database at the given path, enables WAL
// mode, ensures the schema exists, and starts the writer goroutine.
// Failure to enable WAL is a warning, not fatal.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", cfg.HistoryLimit)
	}

	if dir := filepath.Dir(cfg.Path); cfg.Path != ":memory:" && dir != "." {
		if err := ensureDirExists(dir); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory SQLite databases are per-connection; a single connection
	// keeps schema and data visible across queries on the same handle.
	// On-disk databases also stay on one connection: the writer serializes
	// mutations and WAL keeps readers unblocked, so a pool buys nothing
	// and risks SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		logger.Warn("failed to enable WAL mode", zap.Error(err))
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:           db,
		logger:       logger,
		historyLimit: cfg.HistoryLimit,
	}
	s.writer = newWriteQueue()
	go s.writer.run()

	return s, nil
}

// Close stops the writer from accepting new jobs, drains every job
// already enqueued, then releases the database handle. No durable write
// is dropped on graceful termination.
func (s *Store) Close() error {
	s.writer.close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ensureDirExists creates the directory if it doesn't exist.
func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}

// LogInteraction enqueues an interaction record for insertion. It never
// blocks and the caller never observes the write's outcome; failures are
// reported to the operational log. ID, Timestamp, and Starred on the
// passed record are ignored; the store assigns them at write time.
func (s *Store) LogInteraction(rec Interaction) {
	s.writer.enqueue(func() {
		if err := s.insertInteraction(rec); err != nil {
			s.logger.Error("async interaction log failed", zap.Error(err))
		}
	})
}

// Flush blocks until every job enqueued before the call has executed.
// It returns immediately if the writer has already shut down.
func (s *Store) Flush() {
	done := make(chan struct{})
	if !s.writer.enqueue(func() { close(done) }) {
		return
	}
	<-done
}

// insertInteraction inserts one history row and then runs the eviction
// pass, keeping only the historyLimit rows with the highest ids. Starred
// rows are not exempt from eviction.
func (s *Store) insertInteraction(rec Interaction) error {
	_, err := s.db.Exec(`
		INSERT INTO requests (method, endpoint, model, request_body,
			response_status, response_body, duration_ms, prompt_tokens,
			completion_tokens, prompt_eval_duration_ms, eval_duration_ms, ttft_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Method, rec.Endpoint, rec.Model, rec.RequestBody,
		rec.ResponseStatus, rec.ResponseBody, rec.DurationMs, rec.PromptTokens,
		rec.CompletionTokens, rec.PromptEvalDurationMs, rec.EvalDurationMs, rec.TTFTMs)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM requests WHERE id NOT IN (
			SELECT id FROM requests ORDER BY id DESC LIMIT ?)`,
		s.historyLimit)
	if err != nil {
		s.logger.Error("failed to enforce history limit", zap.Error(err))
	}

	return nil
}

// CachedResponse looks up the cache by the exact raw request body.
func (s *Store) CachedResponse(requestBody string) (status int, body string, ok bool) {
	err := s.db.QueryRow(
		`SELECT response_status, response_body FROM cache WHERE request_body = ?`,
		requestBody).Scan(&status, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false
	}
	if err != nil {
		s.logger.Error("cache lookup failed", zap.Error(err))
		return 0, "", false
	}
	return status, body, true
}

// CacheResponse upserts the cache entry for the given request body.
// A new write for an existing key fully replaces it.
func (s *Store) CacheResponse(requestBody string, status int, responseBody string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cache (request_body, response_status, response_body) VALUES (?, ?, ?)`,
		requestBody, status, responseBody)
	if err != nil {
		return fmt.Errorf("failed to cache response: %w", err)
	}
	return nil
}

const interactionColumns = `id, timestamp, method, endpoint, model, request_body,
	response_status, response_body, duration_ms, prompt_tokens,
	completion_tokens, prompt_eval_duration_ms, eval_duration_ms,
	ttft_ms, is_starred`

func scanInteraction(row interface{ Scan(...any) error }) (Interaction, error) {
	var rec Interaction
	err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Method, &rec.Endpoint,
		&rec.Model, &rec.RequestBody, &rec.ResponseStatus, &rec.ResponseBody,
		&rec.DurationMs, &rec.PromptTokens, &rec.CompletionTokens,
		&rec.PromptEvalDurationMs, &rec.EvalDurationMs, &rec.TTFTMs, &rec.Starred)
	return rec, err
}

// Logs returns the most recent limit records, newest first.
func (s *Store) Logs(limit int) ([]Interaction, error) {
	rows, err := s.db.Query(
		`SELECT `+interactionColumns+` FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs := make([]Interaction, 0, limit)
	for rows.Next() {
		rec, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		logs = append(logs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log rows: %w", err)
	}
	return logs, nil
}

// Log returns a single record by id, or false when no such record exists.
func (s *Store) Log(id int64) (Interaction, bool) {
	rec, err := scanInteraction(s.db.QueryRow(
		`SELECT `+interactionColumns+` FROM requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, false
	}
	if err != nil {
		s.logger.Error("log lookup failed", zap.Int64("id", id), zap.Error(err))
		return Interaction{}, false
	}
	return rec, true
}

// SetStarred updates the starred flag of a record.
func (s *Store) SetStarred(id int64, starred bool) error {
	res, err := s.db.Exec(`UPDATE requests SET is_starred = ? WHERE id = ?`, starred, id)
	if err != nil {
		return fmt.Errorf("failed to update starred flag: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no record with id %d", id)
	}
	return nil
}

// Metrics computes the aggregate metrics over the interaction history.
// Records with a duration of zero count as cache hits; they also pull
// the average latency down, which is accepted.
func (s *Store) Metrics() Aggregate {
	var m Aggregate

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM requests`).Scan(&m.TotalRequests); err != nil {
		s.logger.Error("metrics query failed", zap.Error(err))
		return m
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRow(`SELECT AVG(duration_ms) FROM requests`).Scan(&avg); err != nil {
		s.logger.Error("metrics query failed", zap.Error(err))
	} else if avg.Valid {
		m.AvgLatencyMs = avg.Float64
	}

	var hits int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM requests WHERE duration_ms = 0`).Scan(&hits); err != nil {
		s.logger.Error("metrics query failed", zap.Error(err))
	} else if m.TotalRequests > 0 {
		m.CacheHitRate = float64(hits) / float64(m.TotalRequests)
	}

	return m
}
