package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
)

// OutboxEntry is an event waiting to be published.
type OutboxEntry struct {
	ID            int64
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// entryFor serializes ev. Events are keyed by aggregate so a consumer sees
// one lot's or one shift's history in order.
func entryFor(ev *events.Event) (*OutboxEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.EventType, err)
	}
	return &OutboxEntry{
		EventID:       ev.ID,
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    ev.Topic(),
		KafkaKey:      ev.AggregateID,
	}, nil
}

type outboxWriter struct{ tx pgx.Tx }

// Write inserts ev in the caller's transaction.
func (w outboxWriter) Write(ctx context.Context, ev *events.Event) error {
	entry, err := entryFor(ev)
	if err != nil {
		return err
	}
	err = w.tx.QueryRow(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.EventID, entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// OutboxConfig holds relay settings.
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// Retention of processed rows before CleanupProcessed removes them.
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   5,
		Retention:    72 * time.Hour,
	}
}

// OutboxPublisher publishes one message.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// relayLockID is the transaction-scoped advisory lock that keeps a single
// relay active, which preserves per-aggregate ordering.
const relayLockID = int64(0x70686172) // "phar"

// Outbox relays committed outbox rows to Kafka.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay. m may be nil.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger.Named("outbox"),
		tracer:    otel.Tracer("pharmpos/outbox"),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the in-flight batch.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-housekeeping.C:
			o.housekeep(o.ctx)
		}
	}
}

func (o *Outbox) housekeep(ctx context.Context) {
	if n, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter sweep failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("outbox entries moved to dead letter", zap.Int64("count", n))
	}
	if _, err := o.CleanupProcessed(ctx, o.config.Retention); err != nil {
		o.logger.Error("outbox cleanup failed", zap.Error(err))
	}
	if stats, err := o.GetStats(ctx); err == nil {
		o.metrics.OutboxBacklog(stats.Pending)
	}
}

// ProcessBatch publishes up to BatchSize pending entries in one transaction
// and returns how many were published.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := o.fetchUnprocessed(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, tx, entry); err != nil {
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			// Later entries of the same aggregate must not overtake this one.
			break
		}
		published++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox.process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if _, updErr := tx.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); updErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	o.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// CleanupProcessed removes processed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// deadLetter wraps an exhausted entry for the dead letter topic.
func deadLetter(entry *OutboxEntry) ([]byte, error) {
	return json.Marshal(map[string]any{
		"original_topic": entry.KafkaTopic,
		"event_id":       entry.EventID,
		"event_type":     entry.EventType,
		"aggregate_id":   entry.AggregateID,
		"payload":        entry.Payload,
		"retry_count":    entry.RetryCount,
		"last_error":     entry.LastError,
		"created_at":     entry.CreatedAt,
	})
}

// MoveToDeadLetter publishes entries that exhausted their retries to
// events.TopicDeadLetter and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query exhausted entries: %w", err)
	}
	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		payload, err := deadLetter(entry)
		if err != nil {
			return count, err
		}
		if err := o.publisher.Publish(ctx, events.TopicDeadLetter, entry.KafkaKey, payload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
			return count, fmt.Errorf("mark dead lettered: %w", err)
		}
		count++
	}
	return count, tx.Commit(ctx)
}

// OutboxStats summarizes the outbox table.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
		       count(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
		       count(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
		       min(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries).
		Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
