package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"guardline/internal/audit"
)

// AuthConfig configures bearer-token and API-key authentication.
type AuthConfig struct {
	JWTSecret string
}

// Principal identifies the authenticated caller.
type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required")
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
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
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, db *sql.DB, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	if db == nil {
		return Principal{}, errors.New("api key store unavailable")
	}
	actorID, err := audit.ActorForKey(ctx, db, key)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: actorID, Source: "api-key"}, nil
}

func openPath(basePath, reqPath string) bool {
	switch reqPath {
	case path.Join(basePath, "healthz"), "/openapi.json", "/openapi.yaml", "/docs":
		return true
	}
	return false
}

func newAuthMiddleware(basePath string, cfg AuthConfig, db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPath(basePath, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			var p Principal
			var err error
			switch {
			case strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "):
				token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				p, err = authenticateJWT(token, cfg.JWTSecret)
			case r.Header.Get("X-API-Key") != "":
				p, err = authenticateAPIKey(r.Context(), db, r.Header.Get("X-API-Key"))
			default:
				err = errors.New("missing credentials")
			}
			if err != nil {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": apiErrorBody{Code: "unauthorized", Message: "authentication required"},
	})
}
