package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/api"
	"github.com/drfirst/go-pharmpos/internal/api/handlers"
	"github.com/drfirst/go-pharmpos/internal/api/middleware"
	"github.com/drfirst/go-pharmpos/internal/domain/catalog"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/domain/shift"
	"github.com/drfirst/go-pharmpos/internal/engine"
	"github.com/drfirst/go-pharmpos/internal/infrastructure/memory"
	"github.com/drfirst/go-pharmpos/pkg/idempotency"
)

type server struct {
	t        *testing.T
	h        http.Handler
	eng      *engine.Engine
	tokens   *middleware.Tokens
	pharmacy uuid.UUID
}

func newServer(t *testing.T) *server {
	t.Helper()
	eng := engine.New(memory.New(), nil)
	tokens := middleware.NewTokens("test-secret", "pharmpos")
	return &server{
		t:   t,
		eng: eng,
		h: api.NewRouter(api.Deps{
			Service: "pos-api",
			Version: "test",
			Engine:  eng,
			Tokens:  tokens,
			Guard:   idempotency.NewMemoryGuard(time.Hour),
		}),
		tokens:   tokens,
		pharmacy: uuid.New(),
	}
}

func (s *server) actor(id string, role engine.Role) engine.Actor {
	return engine.Actor{ID: id, PharmacyID: s.pharmacy, Role: role}
}

func (s *server) token(a engine.Actor) string {
	s.t.Helper()
	tok, err := s.tokens.Issue(middleware.Principal{Subject: a.ID, PharmacyID: a.PharmacyID, Role: string(a.Role)}, time.Hour)
	if err != nil {
		s.t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (s *server) do(a *engine.Actor, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if a != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(*a))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

// stock creates an entry with one lot and opens a shift for cashier.
func (s *server) stock(cashier engine.Actor) (*catalog.Entry, *lot.Lot, *shift.Shift) {
	s.t.Helper()
	ctx := context.Background()
	mgr := s.actor("manager-1", engine.RoleManager)
	e, err := s.eng.CreateCatalogEntry(ctx, mgr, catalog.Draft{
		Name:      "Amoxicillin 250",
		Form:      "capsule",
		BasePrice: decimal.RequireFromString("3"),
		TaxRate:   decimal.Zero,
	})
	if err != nil {
		s.t.Fatalf("CreateCatalogEntry: %v", err)
	}
	l, err := s.eng.ReceiveLot(ctx, mgr, lot.Receipt{
		CatalogEntryID: e.ID,
		BatchNumber:    "AMX-1",
		Quantity:       20,
		PurchaseCost:   decimal.RequireFromString("1"),
		SalePrice:      decimal.RequireFromString("3"),
		ExpiresOn:      time.Now().AddDate(1, 0, 0),
	})
	if err != nil {
		s.t.Fatalf("ReceiveLot: %v", err)
	}
	sh, err := s.eng.OpenShift(ctx, cashier, decimal.Zero)
	if err != nil {
		s.t.Fatalf("OpenShift: %v", err)
	}
	return e, l, sh
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body handlers.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	s := newServer(t)
	if rec := s.do(nil, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	rec := s.do(nil, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIRequiresToken(t *testing.T) {
	s := newServer(t)
	rec := s.do(nil, http.MethodGet, "/api/v1/catalog/search", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateCatalogEntry(t *testing.T) {
	s := newServer(t)
	pharmacist := s.actor("ph-1", engine.RolePharmacist)
	body := `{"name":"Ibuprofen 200","form":"tablet","base_price":"2.50","tax_rate":"5","reorder_level":10}`

	rec := s.do(&pharmacist, http.MethodPost, "/api/v1/catalog/", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var entry catalog.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.ID == uuid.Nil || entry.PharmacyID != s.pharmacy {
		t.Fatalf("unexpected entry %+v", entry)
	}

	rec = s.do(&pharmacist, http.MethodPost, "/api/v1/catalog/", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate = %d, want 409", rec.Code)
	}
}

func TestCashierCannotChangeCatalog(t *testing.T) {
	s := newServer(t)
	cashier := s.actor("cashier-1", engine.RoleCashier)
	rec := s.do(&cashier, http.MethodPost, "/api/v1/catalog/",
		`{"name":"Ibuprofen 200","form":"tablet","base_price":"2.50"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "forbidden" {
		t.Errorf("code = %q", code)
	}
}

func TestStrictDecoding(t *testing.T) {
	s := newServer(t)
	pharmacist := s.actor("ph-1", engine.RolePharmacist)

	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"name":"X","form":"tablet","base_price":"1","colour":"red"}`},
		{"wrong type", `{"name":"X","form":"tablet","base_price":"1","reorder_level":"ten"}`},
		{"trailing data", `{"name":"X","form":"tablet","base_price":"1"} {}`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(&pharmacist, http.MethodPost, "/api/v1/catalog/", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != "validation" {
				t.Errorf("code = %q", code)
			}
		})
	}
}

func TestUnknownResourceIsNotFound(t *testing.T) {
	s := newServer(t)
	cashier := s.actor("cashier-1", engine.RoleCashier)
	rec := s.do(&cashier, http.MethodGet, "/api/v1/lots/"+uuid.NewString(), "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	rec = s.do(&cashier, http.MethodGet, "/api/v1/lots/not-a-uuid", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func saleBody(shiftID, entryID uuid.UUID, qty int, cash string) string {
	b, _ := json.Marshal(map[string]any{
		"shift_id": shiftID,
		"items":    []map[string]any{{"catalog_entry_id": entryID, "quantity": qty}},
		"payment":  map[string]any{"method": "cash", "cash": cash},
	})
	return string(b)
}

func TestPostSaleIsIdempotent(t *testing.T) {
	s := newServer(t)
	cashier := s.actor("cashier-1", engine.RoleCashier)
	entry, l, sh := s.stock(cashier)
	body := saleBody(sh.ID, entry.ID, 2, "6")
	key := map[string]string{handlers.IdempotencyKeyHeader: "till-7-0001"}

	first := s.do(&cashier, http.MethodPost, "/api/v1/transactions/", body, key)
	if first.Code != http.StatusCreated {
		t.Fatalf("first = %d: %s", first.Code, first.Body.String())
	}
	second := s.do(&cashier, http.MethodPost, "/api/v1/transactions/", body, key)
	if second.Code != http.StatusCreated {
		t.Fatalf("second = %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay header missing")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	got, err := s.eng.GetLot(context.Background(), cashier, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.QuantityOnHand != 18 {
		t.Errorf("on hand = %d, want 18", got.QuantityOnHand)
	}
}

func TestIdempotencyKeyIsScopedToCashier(t *testing.T) {
	s := newServer(t)
	c1 := s.actor("cashier-1", engine.RoleCashier)
	c2 := s.actor("cashier-2", engine.RoleCashier)
	entry, l, sh1 := s.stock(c1)
	sh2, err := s.eng.OpenShift(context.Background(), c2, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	key := map[string]string{handlers.IdempotencyKeyHeader: "same-key"}

	if rec := s.do(&c1, http.MethodPost, "/api/v1/transactions/", saleBody(sh1.ID, entry.ID, 1, "3"), key); rec.Code != http.StatusCreated {
		t.Fatalf("c1 = %d: %s", rec.Code, rec.Body.String())
	}
	rec := s.do(&c2, http.MethodPost, "/api/v1/transactions/", saleBody(sh2.ID, entry.ID, 1, "3"), key)
	if rec.Code != http.StatusCreated {
		t.Fatalf("c2 = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Idempotent-Replayed") != "" {
		t.Error("second cashier got a replay")
	}
	got, _ := s.eng.GetLot(context.Background(), c1, l.ID)
	if got.QuantityOnHand != 18 {
		t.Errorf("on hand = %d, want 18", got.QuantityOnHand)
	}
}

func TestFailedSaleDoesNotBurnKey(t *testing.T) {
	s := newServer(t)
	cashier := s.actor("cashier-1", engine.RoleCashier)
	entry, _, sh := s.stock(cashier)
	key := map[string]string{handlers.IdempotencyKeyHeader: "retry-me"}

	rec := s.do(&cashier, http.MethodPost, "/api/v1/transactions/", saleBody(sh.ID, entry.ID, 2, "5"), key)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("underpaid = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "payment_mismatch" {
		t.Errorf("code = %q", code)
	}
	rec = s.do(&cashier, http.MethodPost, "/api/v1/transactions/", saleBody(sh.ID, entry.ID, 2, "6"), key)
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Idempotent-Replayed") != "" {
		t.Error("retry after failure was replayed")
	}
}

func TestInsufficientStockIsConflict(t *testing.T) {
	s := newServer(t)
	cashier := s.actor("cashier-1", engine.RoleCashier)
	entry, _, sh := s.stock(cashier)

	rec := s.do(&cashier, http.MethodPost, "/api/v1/transactions/", saleBody(sh.ID, entry.ID, 50, "150"), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "insufficient_stock" {
		t.Errorf("code = %q", code)
	}
}

func TestComplianceRequiresAdmin(t *testing.T) {
	s := newServer(t)
	manager := s.actor("manager-1", engine.RoleManager)
	admin := s.actor("admin-1", engine.RoleAdmin)
	body := `{"audit_logging_enabled":true,"pharmacist_approval_required":false,"prescription_mandatory":true,"expired_drug_lock":true}`

	if rec := s.do(&manager, http.MethodPut, "/api/v1/compliance/", body, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("manager = %d, want 403", rec.Code)
	}
	rec := s.do(&admin, http.MethodPut, "/api/v1/compliance/", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin = %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(&admin, http.MethodPut, "/api/v1/compliance/", `{"audit_logging_enabled":true}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("partial = %d, want 400", rec.Code)
	}

	rec = s.do(&manager, http.MethodGet, "/api/v1/compliance/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var cfg struct {
		PrescriptionMandatory bool `json:"prescription_mandatory"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if !cfg.PrescriptionMandatory {
		t.Error("prescription_mandatory not persisted")
	}
}

func TestDecisionValidatesInput(t *testing.T) {
	s := newServer(t)
	admin := s.actor("admin-1", engine.RoleAdmin)
	rec := s.do(&admin, http.MethodPost, "/api/v1/compliance/decision", `{"decision":"maybe"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSalesReportRejectsUnknownPeriod(t *testing.T) {
	s := newServer(t)
	manager := s.actor("manager-1", engine.RoleManager)
	if rec := s.do(&manager, http.MethodGet, "/api/v1/reports/sales?period=weekly", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec := s.do(&manager, http.MethodGet, "/api/v1/reports/sales?period=daily&date=2026-01-02", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCashierSeesOnlyOwnShift(t *testing.T) {
	s := newServer(t)
	c1 := s.actor("cashier-1", engine.RoleCashier)
	c2 := s.actor("cashier-2", engine.RoleCashier)
	manager := s.actor("manager-1", engine.RoleManager)
	sh, err := s.eng.OpenShift(context.Background(), c1, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	path := "/api/v1/shifts/" + sh.ID.String()

	if rec := s.do(&c1, http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("owner = %d", rec.Code)
	}
	if rec := s.do(&c2, http.MethodGet, path, "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("other cashier = %d, want 403", rec.Code)
	}
	if rec := s.do(&manager, http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("manager = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	if got := handlers.StatusFor(context.DeadlineExceeded); got != http.StatusInternalServerError {
		t.Errorf("plain error = %d", got)
	}
	if got := handlers.StatusFor(idempotency.ErrInProgress); got != http.StatusConflict {
		t.Errorf("in progress = %d", got)
	}
}
