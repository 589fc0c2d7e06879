package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// KafkaConfig locates the analytics topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that hashes keys onto partitions, so one
// visitor always lands on one partition.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaReader builds a consumer-group reader.
func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
}

// KafkaSink publishes records keyed by visitor id.
type KafkaSink struct {
	w MessageWriter
}

// NewKafkaSink wraps w.
func NewKafkaSink(w MessageWriter) *KafkaSink { return &KafkaSink{w: w} }

func (s *KafkaSink) Write(ctx context.Context, rec analytics.Record) error {
	body, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.w.WriteMessages(ctx, kafka.Message{Key: []byte(rec.VisitorID), Value: body}); err != nil {
		return fmt.Errorf("publish to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error { return s.w.Close() }

// KafkaConsumer commits an offset only after the sink accepted the
// message. A failing write is retried in place so partition order holds.
type KafkaConsumer struct {
	r           MessageReader
	sink        analytics.Sink
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafkaConsumer creates a consumer writing to sink.
func NewKafkaConsumer(r MessageReader, sink analytics.Sink) *KafkaConsumer {
	return &KafkaConsumer{r: r, sink: sink, baseBackoff: 500 * time.Millisecond, maxBackoff: 30 * time.Second}
}

// Start launches the fetch loop.
func (c *KafkaConsumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.wg.Add(1)
	go c.run(ctx)
	logger.Info("kafka analytics consumer started")
}

// Stop cancels the loop, waits for it and closes the reader.
func (c *KafkaConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	if err := c.r.Close(); err != nil {
		logger.Warn("kafka reader close failed", "error", err)
	}
	logger.Info("kafka analytics consumer stopped")
}

func (c *KafkaConsumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		if err := c.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("kafka consume failed", "error", err)
		}
	}
}

// ProcessNext fetches one message, writes it and commits it.
func (c *KafkaConsumer) ProcessNext(ctx context.Context) error {
	msg, err := c.r.FetchMessage(ctx)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	rec, err := Decode(msg.Value)
	if err != nil {
		logger.Error("skipping malformed kafka message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return c.r.CommitMessages(ctx, msg)
	}

	backoff := c.baseBackoff
	for {
		err := c.sink.Write(ctx, rec)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("analytics write failed, retrying", "offset", msg.Offset, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return c.r.CommitMessages(ctx, msg)
}
