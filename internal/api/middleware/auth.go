package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles accepted in the role claim.
var validRoles = map[string]bool{
	"cashier":    true,
	"pharmacist": true,
	"manager":    true,
	"admin":      true,
}

// Claims carried by a bearer token.
type Claims struct {
	PharmacyID string `json:"pharmacy_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	Subject    string
	PharmacyID uuid.UUID
	Role       string
}

// GetPrincipal returns the caller set by Auth.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// Tokens signs and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokens creates a verifier. issuer may be empty to skip the iss check.
func NewTokens(secret, issuer string) *Tokens {
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue mints a token for p valid for ttl.
func (t *Tokens) Issue(p Principal, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		PharmacyID: p.PharmacyID.String(),
		Role:       p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its principal.
func (t *Tokens) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...); err != nil {
		return Principal{}, fmt.Errorf("token validation failed: %w", err)
	}

	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	pharmacyID, err := uuid.Parse(claims.PharmacyID)
	if err != nil || pharmacyID == uuid.Nil {
		return Principal{}, errors.New("token has no valid pharmacy_id")
	}
	if !validRoles[claims.Role] {
		return Principal{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return Principal{Subject: claims.Subject, PharmacyID: pharmacyID, Role: claims.Role}, nil
}

// Auth rejects requests without a valid bearer token.
func Auth(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			p, err := tokens.Verify(strings.TrimSpace(header[7:]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
