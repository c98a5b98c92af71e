package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
)

const secret = "0123456789abcdef0123456789abcdef"

var pharmacy = uuid.MustParse("6f1c7f5e-8d7b-4a59-9a53-1d2c3e4f5a6b")

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokens(secret, "pharmpos")
	signed, err := tokens.Issue(Principal{Subject: "cashier-1", PharmacyID: pharmacy, Role: "cashier"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	p, err := tokens.Verify(signed)
	if err != nil {
		t.Fatal(err)
	}
	if p.Subject != "cashier-1" || p.PharmacyID != pharmacy || p.Role != "cashier" {
		t.Errorf("principal = %+v", p)
	}
}

func TestVerifyRejects(t *testing.T) {
	tokens := NewTokens(secret, "pharmpos")
	good := Principal{Subject: "u", PharmacyID: pharmacy, Role: "manager"}

	expired := NewTokens(secret, "pharmpos")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _ := expired.Issue(good, time.Hour)

	otherSecret, _ := NewTokens("ffffffffffffffffffffffffffffffff", "pharmpos").Issue(good, time.Hour)
	otherIssuer, _ := NewTokens(secret, "someone-else").Issue(good, time.Hour)
	badRole, _ := tokens.Issue(Principal{Subject: "u", PharmacyID: pharmacy, Role: "owner"}, time.Hour)
	noPharmacy, _ := tokens.Issue(Principal{Subject: "u", Role: "cashier"}, time.Hour)

	tests := map[string]string{
		"expired":       expiredToken,
		"wrong secret":  otherSecret,
		"wrong issuer":  otherIssuer,
		"unknown role":  badRole,
		"nil pharmacy":  noPharmacy,
		"garbage token": "abc.def.ghi",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Verify(tok); err == nil {
				t.Error("expected verification error")
			}
		})
	}
}

func mustIssue(t *testing.T, p Principal) string {
	t.Helper()
	s, err := NewTokens(secret, "").Issue(p, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAuthMiddleware(t *testing.T) {
	tokens := NewTokens(secret, "")
	var seen Principal
	h := Auth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetPrincipal(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+mustIssue(t, Principal{Subject: "ph-1", PharmacyID: pharmacy, Role: "pharmacist"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if seen.Subject != "ph-1" || seen.Role != "pharmacist" {
		t.Errorf("principal = %+v", seen)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("request id = %q / %q", got, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(rec.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("generated id %q is not a uuid", rec.Header().Get("X-Request-ID"))
	}
}

func TestRecoverWritesEnvelope(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"internal"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://pos.example"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://pos.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://pos.example" {
		t.Errorf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin allowed")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/lots/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/lots/123", nil))
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/lots/{id}", http.MethodGet, "404")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}
