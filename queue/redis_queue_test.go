package queue

import (
	"os"
	"testing"
)

// The Redis backend is exercised against a real server. Set CRAWLKIT_REDIS
// to its address (e.g. localhost:6379) to enable these tests.
func TestRedisQueue_Contract(t *testing.T) {
	addr := os.Getenv("CRAWLKIT_REDIS")
	if addr == "" {
		t.Skip("CRAWLKIT_REDIS not set")
	}

	testQueueContract(t, func(t *testing.T) Queue {
		return NewRedisQueue(RedisQueueOptions{
			Addr:      addr,
			KeyPrefix: "crawlkit-test-" + t.Name(),
		})
	})
}
