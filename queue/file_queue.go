package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/crawlkit/crawlkit"
)

// FileQueue is a persistent backend storing each job as a directory of JSON
// files. Suitable for small and medium jobs; Next scans the job directory.
type FileQueue struct {
	baseDir string

	mu      sync.Mutex
	nextSeq map[string]int
}

type fileJobMeta struct {
	BaseURIs []string `json:"base_uris"`
}

type fileEntry struct {
	Seq      int                `json:"seq"`
	CrawlURI *crawlkit.CrawlURI `json:"crawl_uri"`
}

func NewFileQueue(baseDir string) (*FileQueue, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &FileQueue{
		baseDir: baseDir,
		nextSeq: make(map[string]int),
	}, nil
}

func (q *FileQueue) jobDir(jobID string) string {
	return filepath.Join(q.baseDir, jobID)
}

func (q *FileQueue) urisDir(jobID string) string {
	return filepath.Join(q.jobDir(jobID), "uris")
}

func (q *FileQueue) metaPath(jobID string) string {
	return filepath.Join(q.jobDir(jobID), "meta.json")
}

func entryID(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:8])
}

func (q *FileQueue) CreateJob(ctx context.Context, bases *crawlkit.BaseURICollection) (string, error) {
	if bases == nil || bases.IsEmpty() {
		return "", crawlkit.ErrEmptyBaseURIs
	}

	jobID := uuid.NewString()
	if err := os.MkdirAll(q.urisDir(jobID), 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}

	meta := fileJobMeta{}
	for _, u := range bases.All() {
		meta.BaseURIs = append(meta.BaseURIs, u.String())
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job meta: %w", err)
	}
	if err := os.WriteFile(q.metaPath(jobID), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write job meta: %w", err)
	}

	for _, c := range seedJob(bases) {
		if err := q.Add(ctx, jobID, c); err != nil {
			return "", err
		}
	}

	return jobID, nil
}

func (q *FileQueue) IsJobValid(ctx context.Context, jobID string) bool {
	_, err := os.Stat(q.metaPath(jobID))
	return err == nil
}

func (q *FileQueue) BaseURIs(ctx context.Context, jobID string) (*crawlkit.BaseURICollection, error) {
	data, err := os.ReadFile(q.metaPath(jobID))
	if os.IsNotExist(err) {
		return nil, ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job meta: %w", err)
	}

	var meta fileJobMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job meta: %w", err)
	}

	bases := crawlkit.NewBaseURICollection()
	for _, raw := range meta.BaseURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid base URI %q: %w", raw, err)
		}
		bases.Add(u)
	}
	return bases, nil
}

func (q *FileQueue) Get(ctx context.Context, jobID string, u *url.URL) (*crawlkit.CrawlURI, error) {
	if !q.IsJobValid(ctx, jobID) {
		return nil, ErrUnknownJob
	}

	path := filepath.Join(q.urisDir(jobID), entryID(uriKey(u))+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return entry.CrawlURI, nil
}

func (q *FileQueue) Add(ctx context.Context, jobID string, c *crawlkit.CrawlURI) error {
	if !q.IsJobValid(ctx, jobID) {
		return ErrUnknownJob
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	path := filepath.Join(q.urisDir(jobID), entryID(c.Key())+".json")

	seq, err := q.seqForLocked(jobID, path)
	if err != nil {
		return err
	}

	data, err := json.Marshal(fileEntry{Seq: seq, CrawlURI: c})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// seqForLocked keeps the first-insertion sequence number of an entry stable
// across upserts.
func (q *FileQueue) seqForLocked(jobID, path string) (int, error) {
	if data, err := os.ReadFile(path); err == nil {
		var existing fileEntry
		if err := json.Unmarshal(data, &existing); err == nil {
			return existing.Seq, nil
		}
	}

	if _, ok := q.nextSeq[jobID]; !ok {
		max, err := q.maxSeq(jobID)
		if err != nil {
			return 0, err
		}
		q.nextSeq[jobID] = max + 1
	}

	seq := q.nextSeq[jobID]
	q.nextSeq[jobID] = seq + 1
	return seq, nil
}

func (q *FileQueue) maxSeq(jobID string) (int, error) {
	entries, err := q.readAll(jobID)
	if err != nil {
		return 0, err
	}

	max := 0
	for _, e := range entries {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}

func (q *FileQueue) readAll(jobID string) ([]fileEntry, error) {
	dirEntries, err := os.ReadDir(q.urisDir(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to read uris directory: %w", err)
	}

	var out []fileEntry
	for _, de := range dirEntries {
		data, err := os.ReadFile(filepath.Join(q.urisDir(jobID), de.Name()))
		if err != nil {
			continue
		}
		var entry fileEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Next returns the unprocessed entry with the lowest first-insertion
// sequence number.
func (q *FileQueue) Next(ctx context.Context, jobID string) (*crawlkit.CrawlURI, error) {
	if !q.IsJobValid(ctx, jobID) {
		return nil, ErrUnknownJob
	}

	entries, err := q.readAll(jobID)
	if err != nil {
		return nil, err
	}

	var best *fileEntry
	for i := range entries {
		e := &entries[i]
		if e.CrawlURI == nil || e.CrawlURI.Processed() {
			continue
		}
		if best == nil || e.Seq < best.Seq {
			best = e
		}
	}
	if best == nil {
		return nil, io.EOF
	}
	return best.CrawlURI, nil
}

func (q *FileQueue) DeleteJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	delete(q.nextSeq, jobID)
	q.mu.Unlock()

	return os.RemoveAll(q.jobDir(jobID))
}

func (q *FileQueue) Close() error {
	return nil
}
