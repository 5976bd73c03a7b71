// Package auth verifies bearer tokens issued by the identity provider. The
// token subject is the owner id used for every authenticated operation.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maneesh/sharebox/internal/common"
)

type ctxKey string

const ownerIDKey ctxKey = "ownerID"

// PaymentsAudience is the audience of tokens held by the payment collaborator.
const PaymentsAudience = "sharebox-payments"

// GenerateToken signs an HS256 token for the owner. The server only verifies
// tokens; this is used by tests and local tooling.
func GenerateToken(ownerID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   ownerID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
	})
	return token.SignedString(secretKey)
}

// GenerateServiceToken signs an HS256 token for a backend caller such as the
// payment collaborator.
func GenerateServiceToken(service, audience string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   service,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
	})
	return token.SignedString(secretKey)
}

// OwnerIDFromToken validates the token and returns its subject.
func OwnerIDFromToken(tokenString string, secretKey []byte) (string, error) {
	return subjectFromToken(tokenString, secretKey)
}

// ServiceFromToken validates a service token issued for audience and returns
// the calling service.
func ServiceFromToken(tokenString string, secretKey []byte, audience string) (string, error) {
	return subjectFromToken(tokenString, secretKey, jwt.WithAudience(audience))
}

func subjectFromToken(tokenString string, secretKey []byte, opts ...jwt.ParserOption) (string, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", common.ErrUnauthorized
	}
	return claims.Subject, nil
}

// WithOwner stores the authenticated owner id in ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerIDKey).(string)
	return id, ok && id != ""
}

func bearer(r *http.Request) (string, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing bearer token", common.ErrUnauthorized)
	}
	return strings.TrimSpace(raw), nil
}

// Middleware rejects requests without a valid bearer token and puts the
// owner id into the request context.
func Middleware(secretKey []byte, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearer(r)
			if err != nil {
				onError(w, r, err)
				return
			}

			ownerID, err := OwnerIDFromToken(raw, secretKey)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
		})
	}
}

// ServiceMiddleware admits only service tokens signed with secretKey for
// audience. End-user tokens are rejected.
func ServiceMiddleware(secretKey []byte, audience string, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearer(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			if _, err := ServiceFromToken(raw, secretKey, audience); err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
