package redpanda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers []string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// Compression is the compression codec to use
	Compression string
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int
	// RetryBackoffMS is the backoff time between retries
	RetryBackoffMS int64
}

// DefaultProducerConfig favors durability: the relay waits for every ack
// before marking an outbox row processed.
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		LingerMS:       5,
		Compression:    "lz4",
		MaxRetries:     3,
		RetryBackoffMS: 100,
	}
}

func compressionOpt(name string) (kgo.Opt, bool) {
	switch name {
	case "lz4":
		return kgo.ProducerBatchCompression(kgo.Lz4Compression()), true
	case "snappy":
		return kgo.ProducerBatchCompression(kgo.SnappyCompression()), true
	case "gzip":
		return kgo.ProducerBatchCompression(kgo.GzipCompression()), true
	case "zstd":
		return kgo.ProducerBatchCompression(kgo.ZstdCompression()), true
	}
	return nil, false
}

// Producer publishes outbox entries. It satisfies postgres.OutboxPublisher.
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	mu           sync.Mutex
	messagesSent int64
	errorCount   int64
}

// NewProducer creates an idempotent producer with all-ISR acks. m may be nil.
func NewProducer(cfg ProducerConfig, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := time.Duration(cfg.RetryBackoffMS) * time.Millisecond
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	}
	if opt, ok := compressionOpt(cfg.Compression); ok {
		opts = append(opts, opt)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client:  client,
		logger:  logger.Named("producer"),
		tracer:  otel.Tracer("pharmpos/redpanda"),
		metrics: m,
	}, nil
}

// Publish sends one record and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.mu.Lock()
		p.errorCount++
		p.mu.Unlock()
		span.RecordError(err)
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	p.mu.Lock()
	p.messagesSent++
	p.mu.Unlock()
	p.metrics.MessageProduced()
	p.logger.Debug("message produced",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	ErrorCount   int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProducerStats{MessagesSent: p.messagesSent, ErrorCount: p.errorCount}
}
