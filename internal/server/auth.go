package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures the bearer-token gate on demo-only mutations
// (force=true on select/end-session). Grounded on the teacher's JWT bearer
// path (internal/server/auth.go's authenticateJWT); the teacher's API-key and
// legacy X-Actor-Id header paths are dropped here since this domain has no
// role/permission model to check against — every mutation is authorized by
// the caller's signature, not by a bearer principal (see DESIGN.md).
type AuthConfig struct {
	JWTSecret string
	Logger    *slog.Logger
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Principal is the authenticated operator recovered from a bearer token.
// Demo-gated endpoints require one; every other endpoint is open, since
// marketplace participants authenticate each mutation with their own
// ECDSA signature rather than a session credential.
type Principal struct {
	Subject string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func requireOperator(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Subject != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "an operator bearer token is required for demo actions", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Subject: claims.Subject}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authMiddleware attaches a Principal to the request context when a valid
// bearer token is present; it never rejects a request outright, since most
// endpoints are open to anonymous marketplace participants. Handlers that
// require an operator call requireOperator explicitly.
func authMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				cfg.logger().Debug("server: rejected bearer token", "error", err)
				next.ServeHTTP(w, req)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}
