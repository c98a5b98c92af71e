// Package engine implements the pharmacy inventory and point-of-sale
// operations on top of a store.Store. Every operation runs synchronously in
// one unit of work; side effects leave through the transactional outbox.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
	"github.com/drfirst/go-pharmpos/internal/store"
)

// Role of an authenticated actor
type Role string

const (
	RoleCashier    Role = "cashier"
	RolePharmacist Role = "pharmacist"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
)

// Supervises reports whether the role may act on other users' shifts.
func (r Role) Supervises() bool {
	return r == RoleManager || r == RoleAdmin
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID         string
	PharmacyID uuid.UUID
	Role       Role
}

func (a Actor) validate() error {
	if a.PharmacyID == uuid.Nil {
		return apperr.Validation("pharmacy_id", "is required")
	}
	if a.ID == "" {
		return apperr.Validation("actor_id", "is required")
	}
	return nil
}

// Engine is the use-case layer.
type Engine struct {
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an engine over st.
func New(st store.Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  st,
		logger: logger.Named("engine"),
		tracer: otel.Tracer("pharmpos/engine"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ready checks the store.
func (e *Engine) Ready(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func (e *Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

// end closes span and logs infrastructure failures. Business failures are
// expected outcomes and stay at debug.
func (e *Engine) end(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	if kind := apperr.KindOf(err); kind != "" {
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		e.logger.Debug("operation rejected", zap.String("op", op), zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
}

// unit is one unit of work plus the bookkeeping reported after commit.
type unit struct {
	store.Tx
	now         time.Time
	lotStatuses []lot.Status
}

func (e *Engine) run(ctx context.Context, fn func(ctx context.Context, u *unit) error) error {
	var committed *unit
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u := &unit{Tx: tx, now: e.now()}
		if err := fn(ctx, u); err != nil {
			return err
		}
		committed = u
		return nil
	})
	if err != nil {
		return err
	}
	for _, s := range committed.lotStatuses {
		e.metrics.LotStatusChanged(string(s))
	}
	return nil
}

// notFound converts store.ErrNotFound into a business error.
func notFound(err error, entity string, id any) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(entity, id)
	}
	return err
}

// config returns the pharmacy's compliance configuration or the default.
func (u *unit) config(ctx context.Context, pharmacyID uuid.UUID) (*compliance.Config, error) {
	cfg, err := u.Compliance().Get(ctx, pharmacyID)
	if errors.Is(err, store.ErrNotFound) {
		return compliance.Default(pharmacyID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load compliance config: %w", err)
	}
	return cfg, nil
}

// audit appends an entry when audit logging is on and mirrors it to the outbox.
func (u *unit) audit(ctx context.Context, cfg *compliance.Config, action compliance.Action, actor Actor, entityType, entityID, detail string) error {
	if !cfg.AuditLoggingEnabled {
		return nil
	}
	entry := compliance.NewAuditEntry(actor.PharmacyID, action, actor.ID, entityType, entityID, detail, u.now)
	if err := u.Audit().Append(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return u.emit(ctx, events.AggregateAudit, entry.ID.String(), events.AuditRecorded, events.AuditData{
		EntryID:    entry.ID.String(),
		Action:     string(action),
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	}, actor)
}

func (u *unit) emit(ctx context.Context, aggregateType, aggregateID string, t events.Type, data any, actor Actor) error {
	ev, err := events.New(aggregateType, aggregateID, t, data, u.now)
	if err != nil {
		return fmt.Errorf("build %s event: %w", t, err)
	}
	ev.WithActor(actor.PharmacyID.String(), actor.ID)
	return u.write(ctx, ev)
}

func (u *unit) write(ctx context.Context, ev *events.Event) error {
	if err := u.Outbox().Write(ctx, ev); err != nil {
		return fmt.Errorf("write outbox %s: %w", ev.EventType, err)
	}
	return nil
}

// saveLot persists l, appends its movement row and emits a status event when
// the derived status changed.
func (u *unit) saveLot(ctx context.Context, l *lot.Lot, prev lot.Status, m *lot.Movement, actor Actor) error {
	if err := l.CheckLedger(); err != nil {
		return err
	}
	if err := u.Lots().Update(ctx, l); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("lot %s changed concurrently: %w", l.ID, err)
		}
		return fmt.Errorf("update lot %s: %w", l.ID, err)
	}
	if m != nil {
		if err := u.Lots().AppendMovement(ctx, m); err != nil {
			return fmt.Errorf("append movement: %w", err)
		}
	}
	return u.statusChanged(ctx, l, prev, actor)
}

func (u *unit) statusChanged(ctx context.Context, l *lot.Lot, prev lot.Status, actor Actor) error {
	if l.Status == prev {
		return nil
	}
	u.lotStatuses = append(u.lotStatuses, l.Status)
	return u.emit(ctx, events.AggregateLot, l.ID.String(), events.LotStatusChanged, events.LotStatusChangedData{
		LotID:          l.ID.String(),
		CatalogEntryID: l.CatalogEntryID.String(),
		BatchNumber:    l.BatchNumber,
		From:           string(prev),
		To:             string(l.Status),
		QuantityOnHand: l.QuantityOnHand,
		ReorderLevel:   l.ReorderLevel,
		ExpiresOn:      l.ExpiresOn,
	}, actor)
}
