package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// SQSAPI is the subset of *sqs.Client the transport uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig locates the queue. Static keys and Endpoint are for local
// stacks; production uses the default credential chain.
type SQSConfig struct {
	QueueURL        string `yaml:"queue_url"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// NewSQSClient builds an SQS client from cfg.
func NewSQSClient(ctx context.Context, cfg SQSConfig) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// SQSSink publishes records to a queue. It implements analytics.Sink; the
// aggregator owns retries, so Write sends synchronously and returns the
// error.
type SQSSink struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewSQSSink creates a publisher for queueURL.
func NewSQSSink(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL, fifo: strings.HasSuffix(queueURL, ".fifo")}
}

func (s *SQSSink) Write(ctx context.Context, rec analytics.Record) error {
	body, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if s.fifo {
		in.MessageGroupId = aws.String(rec.VisitorID)
		in.MessageDeduplicationId = aws.String(rec.EventID)
	}
	if _, err := s.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("publish to sqs: %w", err)
	}
	return nil
}

// SQSConsumer drains the queue into a sink. Messages are deleted only after
// the sink accepted them, so failures are redelivered by SQS.
type SQSConsumer struct {
	client    SQSAPI
	queueURL  string
	sink      analytics.Sink
	errDelay  time.Duration
	waitTime  int32
	batchSize int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSQSConsumer creates a consumer writing to sink.
func NewSQSConsumer(client SQSAPI, queueURL string, sink analytics.Sink) *SQSConsumer {
	return &SQSConsumer{
		client:    client,
		queueURL:  queueURL,
		sink:      sink,
		errDelay:  5 * time.Second,
		waitTime:  20,
		batchSize: 10,
	}
}

// Start launches the poll loop.
func (c *SQSConsumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.wg.Add(1)
	go c.poll(ctx)
	logger.Info("sqs analytics consumer started", "queue", c.queueURL)
}

// Stop cancels polling and waits for the in-flight batch.
func (c *SQSConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	logger.Info("sqs analytics consumer stopped")
}

func (c *SQSConsumer) poll(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		n, err := c.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("sqs receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.errDelay):
			}
			continue
		}
		if n > 0 {
			logger.Debug("sqs batch processed", "messages", n)
		}
	}
}

// PollOnce receives and processes one batch, returning how many messages
// were handed to the sink successfully.
func (c *SQSConsumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batchSize,
		WaitTimeSeconds:     c.waitTime,
	})
	if err != nil {
		return 0, err
	}

	done := 0
	for _, msg := range out.Messages {
		if err := c.handle(ctx, msg); err != nil {
			logger.Warn("sqs message left for redelivery", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func (c *SQSConsumer) handle(ctx context.Context, msg types.Message) error {
	rec, err := Decode([]byte(aws.ToString(msg.Body)))
	if errors.Is(err, ErrBadMessage) {
		logger.Error("dropping malformed sqs message", "message_id", aws.ToString(msg.MessageId), "error", err)
		c.delete(ctx, msg.ReceiptHandle)
		return nil
	}
	if err := c.sink.Write(ctx, rec); err != nil {
		return err
	}
	c.delete(ctx, msg.ReceiptHandle)
	return nil
}

func (c *SQSConsumer) delete(ctx context.Context, handle *string) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	}); err != nil {
		logger.Warn("sqs delete failed", "error", err)
	}
}
