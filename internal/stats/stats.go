// Package stats accumulates per-bucket request counters in memory and
// periodically folds them into the catalog. Counters are process-local;
// each node flushes its own deltas and the database upsert adds them up.
package stats

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubbystore/cubby/internal/catalog"
)

// Surface identifies which wire surface served a request.
type Surface int

const (
	SurfaceAPI Surface = iota
	SurfaceS3
	SurfaceWebDAV
)

const shardCount = 16

type statKey struct {
	bucketID string
	day      string
}

type shard struct {
	mu     sync.Mutex
	counts map[statKey]*catalog.StatsDelta
}

// Collector buffers request counters and flushes them on a timer.
type Collector struct {
	store    *catalog.Store
	interval time.Duration
	shards   [shardCount]*shard

	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	once    sync.Once
}

// New returns a Collector flushing into store every interval.
func New(store *catalog.Store, interval time.Duration) *Collector {
	c := &Collector{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{counts: make(map[statKey]*catalog.StatsDelta)}
	}
	return c
}

// Start launches the background flush loop. Calling it twice is a no-op.
func (c *Collector) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if err := c.Flush(context.Background()); err != nil {
					slog.Error("stats flush error", "error", err)
				}
			}
		}
	}()
}

// Record counts one request against the bucket for today (UTC). A nil
// collector drops the tick, which keeps handlers usable without stats.
func (c *Collector) Record(bucketID string, surface Surface, bytesServed int64) {
	if c == nil || bucketID == "" {
		return
	}
	key := statKey{bucketID: bucketID, day: catalog.Day(time.Now())}
	sh := c.shards[shardFor(bucketID)]

	sh.mu.Lock()
	delta, ok := sh.counts[key]
	if !ok {
		delta = &catalog.StatsDelta{}
		sh.counts[key] = delta
	}
	switch surface {
	case SurfaceAPI:
		delta.APIRequests++
	case SurfaceS3:
		delta.S3Requests++
	case SurfaceWebDAV:
		delta.WebDAVRequests++
	}
	delta.RequestsCount++
	delta.BytesServed += bytesServed
	sh.mu.Unlock()
}

func shardFor(bucketID string) int {
	h := fnv.New32a()
	h.Write([]byte(bucketID))
	return int(h.Sum32() % shardCount)
}

// Flush drains all shards into the catalog. Deltas that fail to persist are
// requeued so the next flush retries them.
func (c *Collector) Flush(ctx context.Context) error {
	var firstErr error
	for _, sh := range c.shards {
		sh.mu.Lock()
		drained := sh.counts
		sh.counts = make(map[statKey]*catalog.StatsDelta)
		sh.mu.Unlock()

		for key, delta := range drained {
			if err := c.store.AddStats(ctx, key.bucketID, key.day, *delta); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				c.requeue(key, delta)
			}
		}
	}
	return firstErr
}

func (c *Collector) requeue(key statKey, delta *catalog.StatsDelta) {
	sh := c.shards[shardFor(key.bucketID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	existing, ok := sh.counts[key]
	if !ok {
		sh.counts[key] = delta
		return
	}
	existing.APIRequests += delta.APIRequests
	existing.S3Requests += delta.S3Requests
	existing.WebDAVRequests += delta.WebDAVRequests
	existing.RequestsCount += delta.RequestsCount
	existing.BytesServed += delta.BytesServed
}

// Close stops the flush loop and performs a final drain.
func (c *Collector) Close(ctx context.Context) error {
	c.once.Do(func() {
		close(c.stop)
		if c.running.Load() {
			<-c.done
		}
	})
	return c.Flush(ctx)
}
