package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/crawlkit/crawlkit"
)

// SQLiteQueue is the SQL-backed persistent backend. Job ids are stable
// across restarts, so crawls can be resumed after a process exit.
type SQLiteQueue struct {
	db *sql.DB
}

type SQLiteQueueOptions struct {
	DBPath string
}

func NewSQLiteQueue(opts SQLiteQueueOptions) (*SQLiteQueue, error) {
	if opts.DBPath == "" {
		opts.DBPath = "./data/queue.db"
	}

	dbDir := filepath.Dir(opts.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.DBPath+"?_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	q := &SQLiteQueue{db: db}
	if err := q.createTables(); err != nil {
		return nil, err
	}

	return q, nil
}

func (q *SQLiteQueue) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		base_uris TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crawl_uris (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		record TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		added_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(job_id, uri)
	);

	CREATE INDEX IF NOT EXISTS idx_job_processed ON crawl_uris(job_id, processed);
	`

	_, err := q.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

func (q *SQLiteQueue) CreateJob(ctx context.Context, bases *crawlkit.BaseURICollection) (string, error) {
	if bases == nil || bases.IsEmpty() {
		return "", crawlkit.ErrEmptyBaseURIs
	}

	raw := make([]string, 0, bases.Len())
	for _, u := range bases.All() {
		raw = append(raw, u.String())
	}
	baseJSON, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal base URIs: %w", err)
	}

	jobID := uuid.NewString()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, base_uris, created_at) VALUES (?, ?, ?)`,
		jobID, string(baseJSON), time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	for _, c := range seedJob(bases) {
		if err := q.Add(ctx, jobID, c); err != nil {
			return "", err
		}
	}

	return jobID, nil
}

func (q *SQLiteQueue) IsJobValid(ctx context.Context, jobID string) bool {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)", jobID,
	).Scan(&exists)
	return err == nil && exists
}

func (q *SQLiteQueue) BaseURIs(ctx context.Context, jobID string) (*crawlkit.BaseURICollection, error) {
	var baseJSON string
	err := q.db.QueryRowContext(ctx,
		"SELECT base_uris FROM jobs WHERE id = ?", jobID,
	).Scan(&baseJSON)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	var raw []string
	if err := json.Unmarshal([]byte(baseJSON), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal base URIs: %w", err)
	}

	bases := crawlkit.NewBaseURICollection()
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base URI %q: %w", s, err)
		}
		bases.Add(u)
	}
	return bases, nil
}

func (q *SQLiteQueue) Get(ctx context.Context, jobID string, u *url.URL) (*crawlkit.CrawlURI, error) {
	var record string
	err := q.db.QueryRowContext(ctx,
		"SELECT record FROM crawl_uris WHERE job_id = ? AND uri = ?",
		jobID, uriKey(u),
	).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entry: %w", err)
	}

	return decodeRecord(record)
}

func (q *SQLiteQueue) Add(ctx context.Context, jobID string, c *crawlkit.CrawlURI) error {
	if !q.IsJobValid(ctx, jobID) {
		return ErrUnknownJob
	}

	record, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	processed := 0
	if c.Processed() {
		processed = 1
	}
	now := time.Now()

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO crawl_uris (job_id, uri, record, processed, added_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, uri) DO UPDATE SET
		   record = excluded.record,
		   processed = excluded.processed,
		   updated_at = excluded.updated_at`,
		jobID, c.Key(), string(record), processed, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entry: %w", err)
	}

	return nil
}

// Next returns the unprocessed entry with the lowest insertion sequence.
func (q *SQLiteQueue) Next(ctx context.Context, jobID string) (*crawlkit.CrawlURI, error) {
	var record string
	err := q.db.QueryRowContext(ctx,
		`SELECT record FROM crawl_uris
		 WHERE job_id = ? AND processed = 0
		 ORDER BY seq ASC
		 LIMIT 1`,
		jobID,
	).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entry: %w", err)
	}

	return decodeRecord(record)
}

func (q *SQLiteQueue) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM crawl_uris WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func decodeRecord(record string) (*crawlkit.CrawlURI, error) {
	var c crawlkit.CrawlURI
	if err := json.Unmarshal([]byte(record), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &c, nil
}
