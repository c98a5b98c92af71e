// Package memory is an in-process store used by tests and local development.
// Units of work are serialized behind one mutex and applied copy-on-write:
// a failed unit leaves no trace.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/catalog"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
	"github.com/drfirst/go-pharmpos/internal/domain/shift"
	"github.com/drfirst/go-pharmpos/internal/store"
)

type seqKey struct {
	pharmacyID uuid.UUID
	scope      string
}

// state maps hold values that are never mutated in place; writers store
// fresh copies, so forking only copies the maps.
type state struct {
	catalog    map[uuid.UUID]*catalog.Entry
	lots       map[uuid.UUID]*lot.Lot
	movements  []*lot.Movement
	sales      map[uuid.UUID]*sale.Transaction
	shifts     map[uuid.UUID]*shift.Shift
	compliance map[uuid.UUID]*compliance.Config
	audit      []*compliance.AuditEntry
	sequences  map[seqKey]int64
	outbox     []*events.Event
}

func newState() *state {
	return &state{
		catalog:    make(map[uuid.UUID]*catalog.Entry),
		lots:       make(map[uuid.UUID]*lot.Lot),
		sales:      make(map[uuid.UUID]*sale.Transaction),
		shifts:     make(map[uuid.UUID]*shift.Shift),
		compliance: make(map[uuid.UUID]*compliance.Config),
		sequences:  make(map[seqKey]int64),
	}
}

func (s *state) fork() *state {
	return &state{
		catalog:    copyMap(s.catalog),
		lots:       copyMap(s.lots),
		movements:  s.movements[:len(s.movements):len(s.movements)],
		sales:      copyMap(s.sales),
		shifts:     copyMap(s.shifts),
		compliance: copyMap(s.compliance),
		audit:      s.audit[:len(s.audit):len(s.audit)],
		sequences:  copyMap(s.sequences),
		outbox:     s.outbox[:len(s.outbox):len(s.outbox)],
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Store implements store.Store in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New creates an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// WithinTx runs fn against a fork of the current state and publishes the
// fork only when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.fork()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Events returns every event written to the outbox so far.
func (s *Store) Events() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.Event(nil), s.state.outbox...)
}

type tx struct{ st *state }

func (t *tx) Catalog() store.CatalogRepository       { return catalogRepo{t.st} }
func (t *tx) Lots() store.LotRepository              { return lotRepo{t.st} }
func (t *tx) Sales() store.SaleRepository            { return saleRepo{t.st} }
func (t *tx) Shifts() store.ShiftRepository          { return shiftRepo{t.st} }
func (t *tx) Compliance() store.ComplianceRepository { return complianceRepo{t.st} }
func (t *tx) Audit() store.AuditRepository           { return auditRepo{t.st} }
func (t *tx) Sequences() store.SequenceRepository    { return sequenceRepo{t.st} }
func (t *tx) Outbox() store.OutboxWriter             { return outboxWriter{t.st} }

type catalogRepo struct{ st *state }

func (r catalogRepo) Create(_ context.Context, e *catalog.Entry) error {
	key := catalog.NameKey(e.Name)
	for _, other := range r.st.catalog {
		if other.PharmacyID == e.PharmacyID && other.Active && catalog.NameKey(other.Name) == key {
			return apperr.New(apperr.KindDuplicateName, "an active entry named %q exists", e.Name)
		}
	}
	c := *e
	r.st.catalog[e.ID] = &c
	return nil
}

func (r catalogRepo) Get(_ context.Context, pharmacyID, id uuid.UUID) (*catalog.Entry, error) {
	e, ok := r.st.catalog[id]
	if !ok || e.PharmacyID != pharmacyID {
		return nil, store.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (r catalogRepo) FindActiveByName(_ context.Context, pharmacyID uuid.UUID, name string) (*catalog.Entry, error) {
	key := catalog.NameKey(name)
	for _, e := range r.st.catalog {
		if e.PharmacyID == pharmacyID && e.Active && catalog.NameKey(e.Name) == key {
			c := *e
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r catalogRepo) Update(_ context.Context, e *catalog.Entry) error {
	cur, ok := r.st.catalog[e.ID]
	if !ok || cur.PharmacyID != e.PharmacyID {
		return store.ErrNotFound
	}
	c := *e
	r.st.catalog[e.ID] = &c
	return nil
}

func (r catalogRepo) Delete(_ context.Context, pharmacyID, id uuid.UUID) error {
	e, ok := r.st.catalog[id]
	if !ok || e.PharmacyID != pharmacyID {
		return store.ErrNotFound
	}
	delete(r.st.catalog, id)
	return nil
}

func (r catalogRepo) Search(_ context.Context, pharmacyID uuid.UUID, q catalog.SearchQuery) ([]*catalog.Entry, error) {
	var out []*catalog.Entry
	for _, e := range r.st.catalog {
		if e.PharmacyID != pharmacyID || (!e.Active && !q.IncludeInactive) || !e.Matches(q.Text) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

type lotRepo struct{ st *state }

func (r lotRepo) Create(_ context.Context, l *lot.Lot) error {
	for _, other := range r.st.lots {
		if other.PharmacyID == l.PharmacyID && other.BatchNumber == l.BatchNumber {
			return apperr.New(apperr.KindDuplicateBatchNumber, "batch %s already exists", l.BatchNumber)
		}
		if l.Barcode != nil && other.Barcode != nil && *other.Barcode == *l.Barcode {
			return apperr.New(apperr.KindDuplicateBarcode, "barcode %s already exists", *l.Barcode)
		}
	}
	r.st.lots[l.ID] = l.Clone()
	return nil
}

func (r lotRepo) Get(_ context.Context, pharmacyID, id uuid.UUID) (*lot.Lot, error) {
	l, ok := r.st.lots[id]
	if !ok || l.PharmacyID != pharmacyID {
		return nil, store.ErrNotFound
	}
	return l.Clone(), nil
}

// GetForUpdate needs no lock: the whole unit of work holds the store mutex.
func (r lotRepo) GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*lot.Lot, error) {
	return r.Get(ctx, pharmacyID, id)
}

func (r lotRepo) Update(_ context.Context, l *lot.Lot) error {
	cur, ok := r.st.lots[l.ID]
	if !ok || cur.PharmacyID != l.PharmacyID {
		return store.ErrNotFound
	}
	if cur.Version != l.Version {
		return store.ErrConflict
	}
	l.Version++
	r.st.lots[l.ID] = l.Clone()
	return nil
}

func (r lotRepo) BatchNumberExists(_ context.Context, pharmacyID uuid.UUID, batch string) (bool, error) {
	for _, l := range r.st.lots {
		if l.PharmacyID == pharmacyID && l.BatchNumber == batch {
			return true, nil
		}
	}
	return false, nil
}

func (r lotRepo) BarcodeExists(_ context.Context, barcode string) (bool, error) {
	for _, l := range r.st.lots {
		if l.Barcode != nil && *l.Barcode == barcode {
			return true, nil
		}
	}
	return false, nil
}

func (r lotRepo) ListByCatalogEntry(_ context.Context, pharmacyID, entryID uuid.UUID) ([]*lot.Lot, error) {
	return r.collect(func(l *lot.Lot) bool {
		return l.PharmacyID == pharmacyID && l.CatalogEntryID == entryID && !l.Deleted
	}), nil
}

func (r lotRepo) CountByCatalogEntry(_ context.Context, pharmacyID, entryID uuid.UUID) (int, error) {
	n := 0
	for _, l := range r.st.lots {
		if l.PharmacyID == pharmacyID && l.CatalogEntryID == entryID {
			n++
		}
	}
	return n, nil
}

func (r lotRepo) ListExpiring(_ context.Context, pharmacyID uuid.UUID, before time.Time) ([]*lot.Lot, error) {
	return r.collect(func(l *lot.Lot) bool {
		return l.PharmacyID == pharmacyID && !l.Deleted && l.QuantityOnHand > 0 && l.ExpiresOn.Before(before)
	}), nil
}

func (r lotRepo) collect(keep func(*lot.Lot) bool) []*lot.Lot {
	var out []*lot.Lot
	for _, l := range r.st.lots {
		if keep(l) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresOn.Equal(out[j].ExpiresOn) {
			return out[i].ExpiresOn.Before(out[j].ExpiresOn)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r lotRepo) AppendMovement(_ context.Context, m *lot.Movement) error {
	c := *m
	r.st.movements = append(r.st.movements, &c)
	return nil
}

func (r lotRepo) ListMovements(_ context.Context, pharmacyID, lotID uuid.UUID) ([]*lot.Movement, error) {
	var out []*lot.Movement
	for _, m := range r.st.movements {
		if m.PharmacyID == pharmacyID && m.LotID == lotID {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

type saleRepo struct{ st *state }

func (r saleRepo) Create(_ context.Context, t *sale.Transaction) error {
	for _, l := range t.Lines {
		stored, ok := r.st.lots[l.LotID]
		if !ok || stored.PharmacyID != t.PharmacyID {
			return apperr.Validation("lines.lot_id", "lot %s does not belong to the pharmacy", l.LotID)
		}
	}
	r.st.sales[t.ID] = t.Clone()
	return nil
}

func (r saleRepo) Get(_ context.Context, pharmacyID, id uuid.UUID) (*sale.Transaction, error) {
	t, ok := r.st.sales[id]
	if !ok || t.PharmacyID != pharmacyID {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

func (r saleRepo) GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*sale.Transaction, error) {
	return r.Get(ctx, pharmacyID, id)
}

func (r saleRepo) UpdateRefund(_ context.Context, t *sale.Transaction) error {
	cur, ok := r.st.sales[t.ID]
	if !ok || cur.PharmacyID != t.PharmacyID {
		return store.ErrNotFound
	}
	c := cur.Clone()
	c.Refund = t.Clone().Refund
	r.st.sales[t.ID] = c
	return nil
}

func (r saleRepo) Report(_ context.Context, pharmacyID uuid.UUID, from, to time.Time) (*sale.Report, error) {
	rep := &sale.Report{From: from, To: to}
	for _, t := range r.st.sales {
		if t.PharmacyID != pharmacyID || t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		rep.Add(t)
	}
	return rep, nil
}

type shiftRepo struct{ st *state }

func (r shiftRepo) Create(_ context.Context, s *shift.Shift) error {
	for _, other := range r.st.shifts {
		if other.CashierID == s.CashierID && other.Status == shift.StatusOpen {
			return apperr.New(apperr.KindShiftAlreadyOpen, "cashier %s already has open shift %s", s.CashierID, other.ID)
		}
	}
	r.st.shifts[s.ID] = s.Clone()
	return nil
}

func (r shiftRepo) Get(_ context.Context, pharmacyID, id uuid.UUID) (*shift.Shift, error) {
	s, ok := r.st.shifts[id]
	if !ok || s.PharmacyID != pharmacyID {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func (r shiftRepo) GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*shift.Shift, error) {
	return r.Get(ctx, pharmacyID, id)
}

func (r shiftRepo) GetOpenByCashier(_ context.Context, pharmacyID uuid.UUID, cashierID string) (*shift.Shift, error) {
	for _, s := range r.st.shifts {
		if s.PharmacyID == pharmacyID && s.CashierID == cashierID && s.Status == shift.StatusOpen {
			return s.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (r shiftRepo) Update(_ context.Context, s *shift.Shift) error {
	cur, ok := r.st.shifts[s.ID]
	if !ok || cur.PharmacyID != s.PharmacyID {
		return store.ErrNotFound
	}
	r.st.shifts[s.ID] = s.Clone()
	return nil
}

type complianceRepo struct{ st *state }

func (r complianceRepo) Get(_ context.Context, pharmacyID uuid.UUID) (*compliance.Config, error) {
	c, ok := r.st.compliance[pharmacyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r complianceRepo) Put(_ context.Context, c *compliance.Config) error {
	cp := *c
	r.st.compliance[c.PharmacyID] = &cp
	return nil
}

type auditRepo struct{ st *state }

func (r auditRepo) Append(_ context.Context, e *compliance.AuditEntry) error {
	c := *e
	r.st.audit = append(r.st.audit, &c)
	return nil
}

// List returns newest entries first.
func (r auditRepo) List(_ context.Context, pharmacyID uuid.UUID, f compliance.AuditFilter) ([]*compliance.AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = compliance.DefaultAuditLimit
	}
	var out []*compliance.AuditEntry
	for i := len(r.st.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.st.audit[i]
		if e.PharmacyID == pharmacyID && f.Matches(e) {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

type sequenceRepo struct{ st *state }

func (r sequenceRepo) Next(_ context.Context, pharmacyID uuid.UUID, scope string) (int64, error) {
	k := seqKey{pharmacyID, scope}
	r.st.sequences[k]++
	return r.st.sequences[k], nil
}

type outboxWriter struct{ st *state }

func (w outboxWriter) Write(_ context.Context, e *events.Event) error {
	c := *e
	w.st.outbox = append(w.st.outbox, &c)
	return nil
}
