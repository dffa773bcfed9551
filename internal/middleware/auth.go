// Package middleware provides JWKS-backed JWT authentication for the HTTP
// API and the websocket upgrade endpoint.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

type contextKey string

const identityContextKey contextKey = "authedIdentity"

// WithIdentity returns a context carrying the authenticated caller identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext extracts the authenticated caller identity set by one
// of the auth middlewares.
func IdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityContextKey).(string)
	return id, ok && id != ""
}

// jwksKeySet fetches and caches the signing keys from the identity
// provider's JWKS endpoint.
func jwksKeySet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS endpoint: %w", err)
	}
	// Fail fast if the endpoint is unreachable at startup.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	return jwk.NewCachedSet(cache, jwksURL), nil
}

func verify(raw string, keySet jwk.Set) (string, error) {
	tok, err := jwt.Parse([]byte(raw), jwt.WithKeySet(keySet), jwt.WithValidate(true))
	if err != nil {
		return "", fmt.Errorf("token verification failed: %w", err)
	}
	sub := tok.Subject()
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// NewJWKSAuthMiddleware verifies a Bearer token on each request against the
// JWKS endpoint and places the token subject in the request context as the
// caller identity.
func NewJWKSAuthMiddleware(ctx context.Context, jwksURL string, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	keySet, err := jwksKeySet(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	log := logger.With().Str("component", "AuthMiddleware").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			identity, err := verify(raw, keySet)
			if err != nil {
				log.Warn().Err(err).Msg("Rejected request with invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}, nil
}

// NewJWKSWebsocketAuthMiddleware verifies a token passed in the "token"
// query parameter. Browsers cannot set headers on a websocket upgrade
// request, so the token rides on the URL instead.
func NewJWKSWebsocketAuthMiddleware(ctx context.Context, jwksURL string, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	keySet, err := jwksKeySet(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	log := logger.With().Str("component", "WsAuthMiddleware").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.URL.Query().Get("token")
			if raw == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			identity, err := verify(raw, keySet)
			if err != nil {
				log.Warn().Err(err).Msg("Rejected websocket upgrade with invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}, nil
}
