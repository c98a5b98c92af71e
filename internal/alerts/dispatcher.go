package alerts

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
	"github.com/drfirst/go-pharmpos/pkg/circuitbreaker"
	"github.com/drfirst/go-pharmpos/pkg/workerpool"
)

// Dispatcher turns consumed events into webhook calls. Delivery runs on a
// worker pool behind one circuit breaker per pharmacy, so one pharmacy's
// broken endpoint never holds up another's alerts.
type Dispatcher struct {
	notifier Notifier
	breakers *circuitbreaker.Manager
	pool     *workerpool.Pool
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher wires a dispatcher. m may be nil.
func NewDispatcher(n Notifier, breakers *circuitbreaker.Manager, poolCfg workerpool.Config, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil, logger)
	}
	d := &Dispatcher{
		notifier: n,
		breakers: breakers,
		metrics:  m,
		logger:   logger.Named("alerts"),
	}
	pool, err := workerpool.New(poolCfg, d.deliver, logger)
	if err != nil {
		return nil, err
	}
	d.pool = pool
	return d, nil
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() { d.pool.Start() }

// Stop drains queued deliveries.
func (d *Dispatcher) Stop() { d.pool.Stop() }

// Handle queues the alert carried by value, if any. Malformed messages are
// logged and skipped so they do not block the partition.
func (d *Dispatcher) Handle(ctx context.Context, value []byte) error {
	ev, err := Decode(value)
	if err != nil {
		d.logger.Warn("skipping malformed message", zap.Error(err))
		return nil
	}
	a, ok, err := FromEvent(ev)
	if err != nil {
		d.logger.Warn("skipping malformed event", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	if err := d.pool.Submit(&workerpool.Task{ID: a.ID, Payload: a}); err != nil {
		d.metrics.AlertDispatched(string(a.Kind), "dropped")
		return err
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, task *workerpool.Task) error {
	a := task.Payload.(*Alert)
	err := d.breakers.Execute(ctx, a.PharmacyID, func(ctx context.Context) error {
		return d.notifier.Notify(ctx, a)
	})
	d.recordBreaker(a.PharmacyID)

	switch {
	case err == nil:
		d.metrics.AlertDispatched(string(a.Kind), "delivered")
		d.logger.Info("alert delivered",
			zap.String("alert_id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.String("pharmacy_id", a.PharmacyID))
	case errors.Is(err, circuitbreaker.ErrOpen):
		d.metrics.AlertDispatched(string(a.Kind), "rejected")
	default:
		d.metrics.AlertDispatched(string(a.Kind), "failed")
	}
	return err
}

func (d *Dispatcher) recordBreaker(pharmacyID string) {
	cb, err := d.breakers.Get(pharmacyID)
	if err != nil {
		return
	}
	var v float64
	switch cb.GetState() {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	d.metrics.BreakerState(pharmacyID, v)
}

// Stats exposes the delivery pool counters.
func (d *Dispatcher) Stats() workerpool.Stats { return d.pool.Stats() }

// Breakers reports the per-pharmacy breaker states.
func (d *Dispatcher) Breakers() []circuitbreaker.HealthStatus {
	return d.breakers.GetHealthStatus()
}
