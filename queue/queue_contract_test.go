package queue

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"

	"github.com/crawlkit/crawlkit"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return u
}

func bases(t *testing.T, raws ...string) *crawlkit.BaseURICollection {
	t.Helper()
	b := crawlkit.NewBaseURICollection()
	for _, raw := range raws {
		b.Add(mustParse(t, raw))
	}
	return b
}

// testQueueContract runs the behavior every backend must provide.
func testQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	ctx := context.Background()

	t.Run("create job requires seeds", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		_, err := q.CreateJob(ctx, crawlkit.NewBaseURICollection())
		if !errors.Is(err, crawlkit.ErrEmptyBaseURIs) {
			t.Errorf("CreateJob(empty) = %v, want ErrEmptyBaseURIs", err)
		}
	})

	t.Run("create job seeds level zero entries", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		jobID, err := q.CreateJob(ctx, bases(t, "http://a.test/", "http://b.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if !q.IsJobValid(ctx, jobID) {
			t.Error("IsJobValid = false for created job")
		}
		if q.IsJobValid(ctx, "no-such-job") {
			t.Error("IsJobValid = true for unknown job")
		}

		c, err := q.Get(ctx, jobID, mustParse(t, "http://a.test/"))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if c == nil {
			t.Fatal("seed not stored")
		}
		if c.Level() != 0 || c.Processed() {
			t.Errorf("seed = (level %d, processed %v), want (0, false)", c.Level(), c.Processed())
		}
	})

	t.Run("base URIs round trip", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		jobID, err := q.CreateJob(ctx, bases(t, "http://a.test/", "http://b.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		got, err := q.BaseURIs(ctx, jobID)
		if err != nil {
			t.Fatalf("BaseURIs: %v", err)
		}
		if got.Len() != 2 || !got.Contains(mustParse(t, "http://b.test/")) {
			t.Errorf("BaseURIs lost entries: %v", got.All())
		}

		if _, err := q.BaseURIs(ctx, "no-such-job"); !errors.Is(err, ErrUnknownJob) {
			t.Errorf("BaseURIs(unknown) = %v, want ErrUnknownJob", err)
		}
	})

	t.Run("add deduplicates by normalized identity", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		jobID, err := q.CreateJob(ctx, bases(t, "http://a.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		parent := crawlkit.NewCrawlURI(mustParse(t, "http://a.test/"))
		child := crawlkit.NewFoundCrawlURI(mustParse(t, "http://a.test/x#frag"), 1, parent.URL())
		if err := q.Add(ctx, jobID, child); err != nil {
			t.Fatalf("Add: %v", err)
		}
		dup := crawlkit.NewFoundCrawlURI(mustParse(t, "HTTP://A.TEST/x"), 1, parent.URL())
		if err := q.Add(ctx, jobID, dup); err != nil {
			t.Fatalf("Add duplicate: %v", err)
		}

		count := drain(t, q, jobID)
		if count != 2 {
			t.Errorf("drained %d entries, want 2 (seed + one child)", count)
		}
	})

	t.Run("next is FIFO by first insertion", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		jobID, err := q.CreateJob(ctx, bases(t, "http://a.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		seed := crawlkit.NewCrawlURI(mustParse(t, "http://a.test/"))
		first := crawlkit.NewFoundCrawlURI(mustParse(t, "http://a.test/1"), 1, seed.URL())
		second := crawlkit.NewFoundCrawlURI(mustParse(t, "http://a.test/2"), 1, seed.URL())
		for _, c := range []*crawlkit.CrawlURI{first, second} {
			if err := q.Add(ctx, jobID, c); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}

		want := []string{"http://a.test/", "http://a.test/1", "http://a.test/2"}
		for i, wantKey := range want {
			c, err := q.Next(ctx, jobID)
			if err != nil {
				t.Fatalf("Next %d: %v", i, err)
			}
			if c.Key() != wantKey {
				t.Errorf("Next %d = %s, want %s", i, c.Key(), wantKey)
			}
			c.MarkProcessed()
			if err := q.Add(ctx, jobID, c); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}

		if _, err := q.Next(ctx, jobID); !errors.Is(err, io.EOF) {
			t.Errorf("Next on drained queue = %v, want io.EOF", err)
		}
	})

	t.Run("upsert persists processed flag and tags", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		jobID, err := q.CreateJob(ctx, bases(t, "http://a.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		c, err := q.Next(ctx, jobID)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		c.MarkProcessed()
		c.AddTag("noindex")
		if err := q.Add(ctx, jobID, c); err != nil {
			t.Fatalf("Add: %v", err)
		}

		stored, err := q.Get(ctx, jobID, mustParse(t, "http://a.test/"))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !stored.Processed() {
			t.Error("processed flag not persisted")
		}
		if !stored.HasTag("noindex") {
			t.Error("tag not persisted")
		}

		if _, err := q.Next(ctx, jobID); !errors.Is(err, io.EOF) {
			t.Errorf("Next after processing all = %v, want io.EOF", err)
		}
	})

	t.Run("add to unknown job fails", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		c := crawlkit.NewCrawlURI(mustParse(t, "http://a.test/"))
		if err := q.Add(ctx, "no-such-job", c); !errors.Is(err, ErrUnknownJob) {
			t.Errorf("Add(unknown job) = %v, want ErrUnknownJob", err)
		}
	})

	t.Run("get returns nil for unknown URI", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		jobID, err := q.CreateJob(ctx, bases(t, "http://a.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		c, err := q.Get(ctx, jobID, mustParse(t, "http://a.test/absent"))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if c != nil {
			t.Errorf("Get(absent) = %v, want nil", c)
		}
	})

	t.Run("delete job", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		jobID, err := q.CreateJob(ctx, bases(t, "http://a.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if err := q.DeleteJob(ctx, jobID); err != nil {
			t.Fatalf("DeleteJob: %v", err)
		}
		if q.IsJobValid(ctx, jobID) {
			t.Error("job still valid after DeleteJob")
		}
	})

	t.Run("jobs are isolated", func(t *testing.T) {
		q := newQueue(t)
		defer q.Close()

		jobA, err := q.CreateJob(ctx, bases(t, "http://a.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		jobB, err := q.CreateJob(ctx, bases(t, "http://b.test/"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		c, err := q.Get(ctx, jobA, mustParse(t, "http://b.test/"))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if c != nil {
			t.Error("job A sees job B's entries")
		}

		if n := drain(t, q, jobA); n != 1 {
			t.Errorf("job A drained %d entries, want 1", n)
		}
		if n := drain(t, q, jobB); n != 1 {
			t.Errorf("job B drained %d entries, want 1", n)
		}
	})
}

// drain marks every unprocessed entry processed and returns how many there
// were.
func drain(t *testing.T, q Queue, jobID string) int {
	t.Helper()
	ctx := context.Background()

	count := 0
	for {
		c, err := q.Next(ctx, jobID)
		if errors.Is(err, io.EOF) {
			return count
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		c.MarkProcessed()
		if err := q.Add(ctx, jobID, c); err != nil {
			t.Fatalf("Add: %v", err)
		}
		count++
	}
}
