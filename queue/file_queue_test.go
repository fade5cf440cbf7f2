package queue

import (
	"context"
	"testing"
)

func TestFileQueue_Contract(t *testing.T) {
	testQueueContract(t, func(t *testing.T) Queue {
		q, err := NewFileQueue(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileQueue: %v", err)
		}
		return q
	})
}

func TestFileQueue_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	q, err := NewFileQueue(dir)
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}

	jobID, err := q.CreateJob(ctx, bases(t, "http://a.test/", "http://b.test/"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	c, err := q.Next(ctx, jobID)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	c.MarkProcessed()
	if err := q.Add(ctx, jobID, c); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewFileQueue(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if !reopened.IsJobValid(ctx, jobID) {
		t.Fatal("job lost across reopen")
	}
	if n := drain(t, reopened, jobID); n != 1 {
		t.Errorf("drained %d entries after reopen, want the 1 unprocessed", n)
	}
}
