// Package idempotency makes retried requests safe: the first call with a key
// runs the handler and stores its result, repeats get the stored result back.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// ErrInProgress is returned while another request with the same key runs.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Replayed is true when Result comes from an earlier call.
	Replayed bool
	Result   json.RawMessage
}

// ProcessFunc produces the result to store under the key.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Guard runs fn at most once per key.
type Guard interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error)
}

// Key derives the stored key from the caller's scope and the client-supplied
// key, so two cashiers can never collide on the same header value.
func Key(pharmacyID uuid.UUID, actorID, clientKey string) string {
	data := strings.Join([]string{pharmacyID.String(), actorID, clientKey}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a finished key is remembered
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox is the Postgres Guard.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Guard = (*Inbox)(nil)

// NewInbox creates a new inbox manager
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger.Named("inbox"),
		tracer: otel.Tracer("pharmpos/idempotency"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process executes fn unless key already finished, in which case the stored
// result is returned. A failed fn leaves the key free for a retry.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(attribute.String("handler", handlerName)))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}
	switch classify(entry, time.Now(), i.config.RecoveryTimeout) {
	case claimReplay:
		span.SetAttributes(attribute.Bool("replayed", true))
		return &ProcessResult{Replayed: true, Result: entry.Result}, nil
	case claimBusy:
		return nil, ErrInProgress
	case claimRecover:
		if err := i.markStatus(ctx, key, StatusRecoverable, nil); err != nil {
			return nil, fmt.Errorf("failed to mark recoverable: %w", err)
		}
	}

	if err := i.startProcessing(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		if err := i.markStatus(ctx, key, StatusRecoverable, nil); err != nil {
			i.logger.Error("failed to release key", zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.markStatus(ctx, key, StatusFinished, result); err != nil {
		// fn already committed; a retry inside RecoveryTimeout still sees STARTED
		i.logger.Error("failed to mark finished", zap.Error(err))
	}
	return &ProcessResult{Result: result}, nil
}

type claim int

const (
	claimNew claim = iota
	claimReplay
	claimBusy
	claimRecover
)

// Expired reports whether the entry is past its expiry at now. Expired rows
// are treated as absent until cleanup deletes them.
func (e *InboxEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// classify decides what Process does with the stored entry for a key.
func classify(e *InboxEntry, now time.Time, recovery time.Duration) claim {
	if e == nil || e.Expired(now) {
		return claimNew
	}
	switch e.Status {
	case StatusFinished:
		return claimReplay
	case StatusStarted:
		if now.Sub(e.UpdatedAt) <= recovery {
			return claimBusy
		}
		return claimRecover
	}
	return claimNew
}

const selectEntrySQL = `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`

// claimSQL inserts the key or takes over a RECOVERABLE or expired row.
const claimSQL = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET handler_name = $2, status = $3, payload = $4, result = NULL,
		    expires_at = $5, created_at = NOW(), updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE' OR inbox.expires_at <= NOW()
		RETURNING idempotency_key
	`

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	entry := &InboxEntry{}
	err := i.pool.QueryRow(ctx, selectEntrySQL, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// startProcessing claims the key. Only a RECOVERABLE or expired row may be
// reclaimed.
func (i *Inbox) startProcessing(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, claimSQL, key, handlerName, StatusStarted, payload, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInProgress
	}
	if err != nil {
		return fmt.Errorf("failed to start processing: %w", err)
	}
	return nil
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := i.pool.Exec(ctx, query, status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}
