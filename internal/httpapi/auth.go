package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type principalContextKey struct{}

// Principal is the authenticated caller, taken from a verified token.
type Principal struct {
	ID    string
	Role  string
	Name  string
	Email string
}

type claims struct {
	Role  string `json:"role"`
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies the bearer token on every /api request and puts
// the caller's principal on the request context. Health, metrics, and the
// realtime endpoint handle their own access.
func AuthMiddleware(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		principal, err := VerifyToken(secret, raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// VerifyToken parses and validates an HS256 token.
func VerifyToken(secret []byte, raw string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Principal{}, err
	}
	payload, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || payload.Subject == "" {
		return Principal{}, fmt.Errorf("invalid claims")
	}
	return Principal{
		ID:    payload.Subject,
		Role:  payload.Role,
		Name:  payload.Name,
		Email: payload.Email,
	}, nil
}

// SignToken mints an HS256 token for a principal. Used by tests and by
// operator tooling.
func SignToken(secret []byte, principal Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role:  principal.Role,
		Name:  principal.Name,
		Email: principal.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	value := ctx.Value(principalContextKey{})
	if value == nil {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

// ContextWithPrincipal is used by tests to exercise handlers without the
// middleware.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
