package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/shift"
)

// OpenShift starts a shift for the acting cashier. A second open shift for
// the same cashier fails with shift_already_open; the store enforces it
// atomically.
func (e *Engine) OpenShift(ctx context.Context, actor Actor, opening decimal.Decimal) (s *shift.Shift, err error) {
	ctx, span := e.span(ctx, "OpenShift")
	defer func() { e.end(span, "OpenShift", err) }()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		s, err = shift.Open(actor.PharmacyID, actor.ID, opening, u.now)
		if err != nil {
			return err
		}
		if err := u.Shifts().Create(ctx, s); err != nil {
			return err
		}
		if err := e.flushShift(ctx, u, s); err != nil {
			return err
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		return u.audit(ctx, cfg, compliance.ActionShiftOpened, actor, "shift", s.ID.String(),
			"opened with "+s.OpeningBalance.StringFixed(2))
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ShiftOpened()
	return s, nil
}

// GetOpenShift returns the cashier's open shift.
func (e *Engine) GetOpenShift(ctx context.Context, actor Actor, cashierID string) (*shift.Shift, error) {
	if cashierID == "" {
		cashierID = actor.ID
	}
	var s *shift.Shift
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		s, err = u.Shifts().GetOpenByCashier(ctx, actor.PharmacyID, cashierID)
		if err != nil {
			return notFound(err, "open shift for cashier", cashierID)
		}
		return nil
	})
	return s, err
}

// GetShift returns one shift.
func (e *Engine) GetShift(ctx context.Context, actor Actor, id uuid.UUID) (*shift.Shift, error) {
	var s *shift.Shift
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		s, err = u.Shifts().Get(ctx, actor.PharmacyID, id)
		return notFound(err, "shift", id)
	})
	return s, err
}

// CloseShift records the counted cash. Only the owning cashier or a
// supervisor may close.
func (e *Engine) CloseShift(ctx context.Context, actor Actor, id uuid.UUID, counted decimal.Decimal) (s *shift.Shift, err error) {
	ctx, span := e.span(ctx, "CloseShift", attribute.String("shift.id", id.String()))
	defer func() { e.end(span, "CloseShift", err) }()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		s, err = u.Shifts().GetForUpdate(ctx, actor.PharmacyID, id)
		if err != nil {
			return notFound(err, "shift", id)
		}
		if s.CashierID != actor.ID && !actor.Role.Supervises() {
			return apperr.New(apperr.KindForbidden, "shift %s belongs to another cashier", id)
		}
		if err := s.Close(counted, u.now); err != nil {
			return err
		}
		if err := u.Shifts().Update(ctx, s); err != nil {
			return fmt.Errorf("update shift: %w", err)
		}
		if err := e.flushShift(ctx, u, s); err != nil {
			return err
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		return u.audit(ctx, cfg, compliance.ActionShiftClosed, actor, "shift", id.String(),
			fmt.Sprintf("closed: counted %s, expected %s, variance %s, %d sale(s), %d refund(s)",
				s.ClosingBalance.StringFixed(2), s.ExpectedBalance.StringFixed(2), s.Variance.StringFixed(2),
				s.Totals.TransactionCount, s.Totals.RefundCount))
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ShiftClosed(s.Variance.Abs().InexactFloat64())
	if !s.Variance.IsZero() {
		e.logger.Warn("shift closed with variance",
			zap.String("shift_id", s.ID.String()),
			zap.String("cashier_id", s.CashierID),
			zap.String("variance", s.Variance.StringFixed(2)))
	}
	return s, nil
}

// ReconcileShift is the terminal transition of a closed shift.
func (e *Engine) ReconcileShift(ctx context.Context, actor Actor, id uuid.UUID, notes string) (s *shift.Shift, err error) {
	ctx, span := e.span(ctx, "ReconcileShift", attribute.String("shift.id", id.String()))
	defer func() { e.end(span, "ReconcileShift", err) }()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.Role.Supervises() {
		return nil, apperr.New(apperr.KindForbidden, "only managers may reconcile shifts")
	}
	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		s, err = u.Shifts().GetForUpdate(ctx, actor.PharmacyID, id)
		if err != nil {
			return notFound(err, "shift", id)
		}
		if err := s.Reconcile(actor.ID, notes, u.now); err != nil {
			return err
		}
		if err := u.Shifts().Update(ctx, s); err != nil {
			return fmt.Errorf("update shift: %w", err)
		}
		if err := e.flushShift(ctx, u, s); err != nil {
			return err
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		detail := "reconciled, variance " + s.Variance.StringFixed(2)
		if notes != "" {
			detail += ": " + notes
		}
		return u.audit(ctx, cfg, compliance.ActionShiftReconciled, actor, "shift", id.String(), detail)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) flushShift(ctx context.Context, u *unit, s *shift.Shift) error {
	for _, ev := range s.Changes() {
		if err := u.write(ctx, ev); err != nil {
			return err
		}
	}
	s.ClearChanges()
	return nil
}
