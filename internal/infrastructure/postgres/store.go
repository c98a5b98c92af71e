// Package postgres is the PostgreSQL implementation of store.Store together
// with the transactional outbox relay and schema migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/store"
)

// Store runs units of work as pgx transactions.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore wraps pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger.Named("postgres")}
}

// Pool exposes the underlying pool to the relay and inbox.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn in a read-committed transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize conflicting writers.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(ctx, &tx{tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

var _ store.Store = (*Store)(nil)

type tx struct{ tx pgx.Tx }

func (t *tx) Catalog() store.CatalogRepository       { return catalogRepo{t.tx} }
func (t *tx) Lots() store.LotRepository              { return lotRepo{t.tx} }
func (t *tx) Sales() store.SaleRepository            { return saleRepo{t.tx} }
func (t *tx) Shifts() store.ShiftRepository          { return shiftRepo{t.tx} }
func (t *tx) Compliance() store.ComplianceRepository { return complianceRepo{t.tx} }
func (t *tx) Audit() store.AuditRepository           { return auditRepo{t.tx} }
func (t *tx) Sequences() store.SequenceRepository    { return sequenceRepo{t.tx} }
func (t *tx) Outbox() store.OutboxWriter             { return outboxWriter{t.tx} }

// uniqueViolations maps unique constraint names to the business error raised
// when a concurrent writer slips past the pre-check.
var uniqueViolations = map[string]apperr.Kind{
	"catalog_entries_active_name_key": apperr.KindDuplicateName,
	"lots_batch_number_key":           apperr.KindDuplicateBatchNumber,
	"lots_barcode_key":                apperr.KindDuplicateBarcode,
	"shifts_one_open_per_cashier":     apperr.KindShiftAlreadyOpen,
}

// mapError translates driver errors into store and business errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if kind, ok := uniqueViolations[pgErr.ConstraintName]; ok {
			return apperr.New(kind, "%s", conflictMessage(kind))
		}
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23514":
		if strings.HasPrefix(pgErr.ConstraintName, "lots_") {
			return apperr.New(apperr.KindInsufficientStock, "lot ledger check %s failed", pgErr.ConstraintName)
		}
	}
	return err
}

func conflictMessage(kind apperr.Kind) string {
	switch kind {
	case apperr.KindDuplicateName:
		return "an active catalog entry with this name exists"
	case apperr.KindDuplicateBatchNumber:
		return "batch number already exists"
	case apperr.KindDuplicateBarcode:
		return "barcode already exists"
	case apperr.KindShiftAlreadyOpen:
		return "cashier already has an open shift"
	}
	return string(kind)
}

// likePattern builds a case-insensitive contains pattern with LIKE
// metacharacters escaped.
func likePattern(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
