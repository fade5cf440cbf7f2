// Package queue provides the durable work queue of the crawler. A queue
// stores the CrawlURIs of a job keyed by normalized identity, deduplicates
// on insert and hands out unprocessed entries in first-insertion order.
package queue

import (
	"context"
	"errors"
	"net/url"

	"github.com/crawlkit/crawlkit"
)

// ErrUnknownJob is returned for operations on a job id the backend does not
// know.
var ErrUnknownJob = errors.New("queue: unknown job")

// Queue is the contract the engine depends on. Next returns io.EOF when no
// unprocessed entry remains. Add upserts by normalized URI, which is how the
// processed transition and tag updates are persisted.
type Queue interface {
	// CreateJob assigns a job id and seeds the queue with one level-0
	// CrawlURI per base URI. It fails with crawlkit.ErrEmptyBaseURIs when
	// the collection is empty.
	CreateJob(ctx context.Context, bases *crawlkit.BaseURICollection) (string, error)

	IsJobValid(ctx context.Context, jobID string) bool

	BaseURIs(ctx context.Context, jobID string) (*crawlkit.BaseURICollection, error)

	// Get looks up the CrawlURI stored under the normalized identity of u,
	// returning nil when absent.
	Get(ctx context.Context, jobID string, u *url.URL) (*crawlkit.CrawlURI, error)

	// Add upserts the CrawlURI under its normalized identity.
	Add(ctx context.Context, jobID string, c *crawlkit.CrawlURI) error

	// Next returns an unprocessed CrawlURI, or io.EOF when none remains.
	// Entries are returned in first-insertion order.
	Next(ctx context.Context, jobID string) (*crawlkit.CrawlURI, error)

	// DeleteJob removes the job and all its CrawlURIs.
	DeleteJob(ctx context.Context, jobID string) error

	Close() error
}

func uriKey(u *url.URL) string {
	return crawlkit.NormalizeURL(u).String()
}

func seedJob(bases *crawlkit.BaseURICollection) []*crawlkit.CrawlURI {
	seeds := make([]*crawlkit.CrawlURI, 0, bases.Len())
	for _, u := range bases.All() {
		seeds = append(seeds, crawlkit.NewCrawlURI(u))
	}
	return seeds
}
