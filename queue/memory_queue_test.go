package queue

import "testing"

func TestMemoryQueue_Contract(t *testing.T) {
	testQueueContract(t, func(t *testing.T) Queue {
		return NewMemoryQueue()
	})
}
