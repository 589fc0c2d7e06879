package analytics

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// AggregatorConfig tunes the background delivery.
type AggregatorConfig struct {
	Shards      int           `yaml:"shards"`
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

func (c *AggregatorConfig) setDefaults() {
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
}

// Stats are cumulative delivery counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Pending is the number of queued records not yet delivered or failed.
func (s Stats) Pending() int64 {
	if n := s.Submitted - s.Delivered - s.Failed; n > 0 {
		return n
	}
	return 0
}

// Aggregator delivers records to a Sink off the request path.
//
// Records are sharded by visitor id, and each shard is drained by one
// goroutine, so records for the same visitor reach the sink in the order
// they were submitted. A record that keeps failing is retried with
// exponential backoff and then dropped with an error log; the failure is
// never reported to the submitter.
type Aggregator struct {
	sink Sink
	cfg  AggregatorConfig

	mu      sync.RWMutex
	shards  []chan Record
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	submitted, delivered, retried, dropped, failed atomic.Int64
}

// NewAggregator creates an aggregator writing to sink.
func NewAggregator(sink Sink, cfg AggregatorConfig) *Aggregator {
	cfg.setDefaults()
	return &Aggregator{sink: sink, cfg: cfg}
}

// Start launches the shard workers.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.shards = make([]chan Record, a.cfg.Shards)
	for i := range a.shards {
		a.shards[i] = make(chan Record, a.cfg.QueueSize)
		a.wg.Add(1)
		go a.runShard(a.shards[i])
	}
	a.running = true
	logger.Info("analytics aggregator started", "shards", a.cfg.Shards, "queue_size", a.cfg.QueueSize)
}

// Stop stops accepting records, drains the queues and waits for the
// workers. Retries still in backoff are abandoned once ctx is done.
func (a *Aggregator) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	for _, ch := range a.shards {
		close(ch)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.cancel()
		<-done
	}
	a.cancel()
	logger.Info("analytics aggregator stopped", "delivered", a.delivered.Load(), "failed", a.failed.Load(), "dropped", a.dropped.Load())
}

// Submit queues rec without blocking. It returns false when the record was
// dropped because the aggregator is stopped or the shard queue is full.
func (a *Aggregator) Submit(rec Record) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.running {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.shards[shardFor(rec.VisitorID, len(a.shards))] <- rec:
		a.submitted.Add(1)
		return true
	default:
		a.dropped.Add(1)
		logger.Warn("analytics queue full, record dropped", "website_id", rec.WebsiteID, "visitor_id", rec.VisitorID)
		return false
	}
}

// Stats returns a snapshot of the delivery counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Submitted: a.submitted.Load(),
		Delivered: a.delivered.Load(),
		Retried:   a.retried.Load(),
		Dropped:   a.dropped.Load(),
		Failed:    a.failed.Load(),
	}
}

func (a *Aggregator) runShard(ch <-chan Record) {
	defer a.wg.Done()
	for rec := range ch {
		if err := a.deliver(rec); err != nil {
			a.failed.Add(1)
			logger.Error("analytics record not delivered", "website_id", rec.WebsiteID, "visitor_id", rec.VisitorID, "event_id", rec.EventID, "error", err)
		}
	}
}

func (a *Aggregator) deliver(rec Record) error {
	var lastErr error
	backoff := a.cfg.BaseBackoff
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		lastErr = a.sink.Write(a.ctx, rec)
		if lastErr == nil {
			a.delivered.Add(1)
			return nil
		}
		if attempt == a.cfg.MaxAttempts {
			break
		}
		a.retried.Add(1)
		logger.Warn("analytics write failed, retrying", "attempt", attempt, "backoff", backoff, "error", lastErr)
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-a.ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %v (shutdown)", ErrAggregationFailed, lastErr)
		}
		backoff *= 2
		if backoff > a.cfg.MaxBackoff {
			backoff = a.cfg.MaxBackoff
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrAggregationFailed, a.cfg.MaxAttempts, lastErr)
}

func shardFor(visitorID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(visitorID))
	return int(h.Sum32() % uint32(n))
}
