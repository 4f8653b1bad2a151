package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// ErrMissingPrincipal is returned when a handler requires an authenticated
// caller and none is present on the request context.
var ErrMissingPrincipal = errors.New("gateway: missing authenticated principal")

// Authenticator resolves the calling principal from an HS256 bearer token.
// The identity provider that issues the tokens is an external collaborator;
// the gateway only verifies and extracts the subject.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator builds an authenticator for the shared signing secret.
func NewAuthenticator(secret []byte, issuer string) *Authenticator {
	return &Authenticator{secret: secret, issuer: strings.TrimSpace(issuer)}
}

// SignToken issues a token for the given principal. Used by tests and local
// tooling; production tokens come from the identity provider.
func (a *Authenticator) SignToken(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authenticator) principalFromToken(raw string) (int64, error) {
	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return 0, errors.New("invalid token claims")
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return 0, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subject: %w", err)
	}
	return userID, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved principal id on the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, err := a.principalFromToken(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyPrincipal, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext returns the authenticated principal id.
func PrincipalFromContext(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value(contextKeyPrincipal).(int64)
	if !ok {
		return 0, ErrMissingPrincipal
	}
	return userID, nil
}
