package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyAdmin contextKey = "admin_subject"

// RoleAdmin is the role claim value required for administrative operations.
const RoleAdmin = "admin"

// AdminVerifier validates HS256 bearer tokens for the administrative surface:
// fee policy changes, pause control and dispute resolution.
type AdminVerifier struct {
	secret []byte
	leeway time.Duration
	nowFn  func() time.Time
}

// NewAdminVerifier builds a verifier over the shared HS256 secret.
func NewAdminVerifier(secret string, nowFn func() time.Time) (*AdminVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("admin JWT secret must not be empty")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &AdminVerifier{
		secret: []byte(secret),
		leeway: 30 * time.Second,
		nowFn:  nowFn,
	}, nil
}

// Verify parses the bearer token and returns the admin subject.
func (v *AdminVerifier) Verify(token string) (string, error) {
	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.nowFn() }),
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token validation failed")
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	role, _ := claims["role"].(string)
	if !strings.EqualFold(strings.TrimSpace(role), RoleAdmin) {
		return "", fmt.Errorf("role %q is not permitted", role)
	}
	return subject, nil
}

// RequireAdmin enforces a valid admin bearer token before invoking the next handler.
func (v *AdminVerifier) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		subject, err := v.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAdmin, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminSubject extracts the admin identity attached by RequireAdmin.
func AdminSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(contextKeyAdmin).(string)
	return subject, ok && subject != ""
}
