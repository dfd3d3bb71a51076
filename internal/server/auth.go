package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/repo"
)

// Session cookies set by the web front end. When the id or role cookie is
// present it must agree with the access token.
const (
	CookieAccessToken = "ariex_access_token"
	CookieUserID      = "ariex_user_id"
	CookieUserRole    = "ariex_user_role"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	DevLogin  bool
	Logger    *slog.Logger
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c AuthConfig) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return 12 * time.Hour
}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	SessionID string `json:"sid,omitempty"`
}

func authenticateJWT(token string, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid {
		return auth.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Principal{}, errors.New("subject claim required")
	}
	switch claims.Role {
	case domain.RoleStrategist, domain.RoleClient, domain.RoleCompliance:
	default:
		return auth.Principal{}, errors.New("role claim invalid")
	}
	return auth.Principal{
		ActorID:   claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		Source:    "jwt",
	}, nil
}

// signToken mints an access token for a user session.
func signToken(secret string, u domain.User, sessionID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	exp := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:      u.Role,
		SessionID: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return signed, exp, err
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return auth.Principal{}, err
	}
	if apiKey.ActorID == "" {
		return auth.Principal{}, errors.New("api key missing actor")
	}
	return auth.Principal{
		ActorID: apiKey.ActorID,
		Role:    apiKey.Role,
		Source:  "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// cookiesMatch rejects a token whose claims disagree with the identity
// cookies sent alongside it.
func cookiesMatch(req *http.Request, p auth.Principal) bool {
	if c, err := req.Cookie(CookieUserID); err == nil && c.Value != "" && c.Value != p.ActorID {
		return false
	}
	if c, err := req.Cookie(CookieUserRole); err == nil && c.Value != "" && c.Value != p.Role {
		return false
	}
	return true
}

func publicPaths(basePath string) map[string]bool {
	return map[string]bool{
		path.Join(basePath, "health"):          true,
		path.Join(basePath, "auth/dev/login"):  true,
		path.Join(basePath, "openapi.json"):    true,
		path.Join(basePath, "webhooks/stripe"): true,
		path.Join(basePath, "webhooks/esign"):  true,
	}
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			token := ""
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				var ok bool
				if token, ok = bearerToken(authz); !ok {
					respondStatusError(w, invalid)
					return
				}
			} else if c, err := req.Cookie(CookieAccessToken); err == nil && c.Value != "" {
				token = c.Value
			}
			if token != "" {
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, invalid)
					return
				}
				if !cookiesMatch(req, principal) {
					cfg.logger().Warn("session cookie mismatch", "actor_id", principal.ActorID, "path", req.URL.Path)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "session_mismatch", "session cookies do not match token", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
				principal, err := authenticateAPIKey(req.Context(), r, key)
				if err != nil {
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
