package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"MarketAgg/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return log
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

type recordingJob struct {
	mu       sync.Mutex
	typ      string
	payloads []interface{}
}

func (j *recordingJob) Name() string { return j.typ + "-job" }
func (j *recordingJob) Type() string { return j.typ }

func (j *recordingJob) Handle(_ context.Context, payload interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.payloads = append(j.payloads, payload)
	return nil
}

func (j *recordingJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.payloads)
}

func stopQueue(t *testing.T, q *RedisQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
}

func TestPublisherToConsumerRoundTrip(t *testing.T) {
	rdb := testRedis(t)
	log := testLogger(t)

	pub := NewRedisPublisher(log, rdb)
	t.Cleanup(func() { stopQueue(t, pub) })

	job := &recordingJob{typ: "source.disagreement"}
	cons := NewRedisConsumer(log, &QueueConfig{Workers: 1, RetryLimit: 1}, rdb, []Job{job})
	require.NoError(t, cons.Start())
	t.Cleanup(func() { stopQueue(t, cons) })

	err := pub.PublishMessage(context.Background(), "source.disagreement", map[string]interface{}{
		"symbol": "AAPL",
		"winner": "alpha",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return job.count() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestConsumerIgnoresTypesWithoutJob(t *testing.T) {
	rdb := testRedis(t)
	log := testLogger(t)

	pub := NewRedisPublisher(log, rdb)
	t.Cleanup(func() { stopQueue(t, pub) })

	known := &recordingJob{typ: "known.event"}
	cons := NewRedisConsumer(log, &QueueConfig{Workers: 1, RetryLimit: 1}, rdb, []Job{known})
	require.NoError(t, cons.Start())
	t.Cleanup(func() { stopQueue(t, cons) })

	require.NoError(t, pub.PublishMessage(context.Background(), "unknown.event", map[string]interface{}{"x": 1}))
	require.NoError(t, pub.PublishMessage(context.Background(), "known.event", map[string]interface{}{"x": 2}))

	require.Eventually(t, func() bool { return known.count() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestPublisherDoesNotRequireRegisteredJobs(t *testing.T) {
	rdb := testRedis(t)
	pub := NewRedisPublisher(testLogger(t), rdb)
	t.Cleanup(func() { stopQueue(t, pub) })

	require.NoError(t, pub.Enqueue(context.Background(), "writer.batch_dropped", map[string]interface{}{"rows": 3}))

	n, err := rdb.LLen(context.Background(), "marketagg:queue:messages").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
