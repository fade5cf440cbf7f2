package queue

import (
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/crawlkit/crawlkit"
)

// MemoryQueue is the transient in-process backend. Jobs do not survive a
// restart.
type MemoryQueue struct {
	mu   sync.RWMutex
	jobs map[string]*memoryJob
}

type memoryJob struct {
	bases   *crawlkit.BaseURICollection
	entries map[string]*crawlkit.CrawlURI
	order   []string
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*memoryJob),
	}
}

func (q *MemoryQueue) CreateJob(ctx context.Context, bases *crawlkit.BaseURICollection) (string, error) {
	if bases == nil || bases.IsEmpty() {
		return "", crawlkit.ErrEmptyBaseURIs
	}

	job := &memoryJob{
		bases:   bases,
		entries: make(map[string]*crawlkit.CrawlURI),
	}
	for _, c := range seedJob(bases) {
		job.entries[c.Key()] = c
		job.order = append(job.order, c.Key())
	}

	jobID := uuid.NewString()

	q.mu.Lock()
	q.jobs[jobID] = job
	q.mu.Unlock()

	return jobID, nil
}

func (q *MemoryQueue) IsJobValid(ctx context.Context, jobID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, ok := q.jobs[jobID]
	return ok
}

func (q *MemoryQueue) BaseURIs(ctx context.Context, jobID string) (*crawlkit.BaseURICollection, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	return job.bases, nil
}

func (q *MemoryQueue) Get(ctx context.Context, jobID string, u *url.URL) (*crawlkit.CrawlURI, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	return job.entries[uriKey(u)], nil
}

func (q *MemoryQueue) Add(ctx context.Context, jobID string, c *crawlkit.CrawlURI) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}

	key := c.Key()
	if _, exists := job.entries[key]; !exists {
		job.order = append(job.order, key)
	}
	job.entries[key] = c

	return nil
}

// Next returns unprocessed entries in first-insertion order.
func (q *MemoryQueue) Next(ctx context.Context, jobID string) (*crawlkit.CrawlURI, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}

	for _, key := range job.order {
		if c := job.entries[key]; c != nil && !c.Processed() {
			return c, nil
		}
	}
	return nil, io.EOF
}

func (q *MemoryQueue) DeleteJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.jobs, jobID)
	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}
