package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/crawlkit/crawlkit"
)

// RedisQueue is a persistent backend on Redis, usable when the queue must
// outlive the process or be shared with other tooling. Records live in a
// hash per job, insertion order in a list.
type RedisQueue struct {
	client    *redis.Client
	keyPrefix string
}

type RedisQueueOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func NewRedisQueue(opts RedisQueueOptions) *RedisQueue {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "crawlkit"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &RedisQueue{
		client:    client,
		keyPrefix: opts.KeyPrefix,
	}
}

func (q *RedisQueue) basesKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s:bases", q.keyPrefix, jobID)
}

func (q *RedisQueue) urisKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s:uris", q.keyPrefix, jobID)
}

func (q *RedisQueue) orderKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s:order", q.keyPrefix, jobID)
}

func (q *RedisQueue) CreateJob(ctx context.Context, bases *crawlkit.BaseURICollection) (string, error) {
	if bases == nil || bases.IsEmpty() {
		return "", crawlkit.ErrEmptyBaseURIs
	}

	jobID := uuid.NewString()

	raw := make([]any, 0, bases.Len())
	for _, u := range bases.All() {
		raw = append(raw, u.String())
	}
	if err := q.client.RPush(ctx, q.basesKey(jobID), raw...).Err(); err != nil {
		return "", fmt.Errorf("failed to store base URIs: %w", err)
	}

	for _, c := range seedJob(bases) {
		if err := q.Add(ctx, jobID, c); err != nil {
			return "", err
		}
	}

	return jobID, nil
}

func (q *RedisQueue) IsJobValid(ctx context.Context, jobID string) bool {
	n, err := q.client.Exists(ctx, q.basesKey(jobID)).Result()
	return err == nil && n > 0
}

func (q *RedisQueue) BaseURIs(ctx context.Context, jobID string) (*crawlkit.BaseURICollection, error) {
	raw, err := q.client.LRange(ctx, q.basesKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load base URIs: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrUnknownJob
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

func (q *RedisQueue) Get(ctx context.Context, jobID string, u *url.URL) (*crawlkit.CrawlURI, error) {
	record, err := q.client.HGet(ctx, q.urisKey(jobID), uriKey(u)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return decodeRecord(record)
}

func (q *RedisQueue) Add(ctx context.Context, jobID string, c *crawlkit.CrawlURI) error {
	if !q.IsJobValid(ctx, jobID) {
		return ErrUnknownJob
	}

	record, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	key := c.Key()
	created, err := q.client.HSet(ctx, q.urisKey(jobID), key, string(record)).Result()
	if err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}

	// HSet reports the number of newly created fields; only first
	// insertions extend the order list.
	if created == 1 {
		if err := q.client.RPush(ctx, q.orderKey(jobID), key).Err(); err != nil {
			return fmt.Errorf("failed to extend order: %w", err)
		}
	}

	return nil
}

// Next walks the insertion-order list and returns the first unprocessed
// entry.
func (q *RedisQueue) Next(ctx context.Context, jobID string) (*crawlkit.CrawlURI, error) {
	const page = 64

	for start := int64(0); ; start += page {
		keys, err := q.client.LRange(ctx, q.orderKey(jobID), start, start+page-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to walk order: %w", err)
		}
		if len(keys) == 0 {
			return nil, io.EOF
		}

		records, err := q.client.HMGet(ctx, q.urisKey(jobID), keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load entries: %w", err)
		}

		for _, rec := range records {
			s, ok := rec.(string)
			if !ok {
				continue
			}
			c, err := decodeRecord(s)
			if err != nil {
				return nil, err
			}
			if !c.Processed() {
				return c, nil
			}
		}
	}
}

func (q *RedisQueue) DeleteJob(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, q.basesKey(jobID), q.urisKey(jobID), q.orderKey(jobID)).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
