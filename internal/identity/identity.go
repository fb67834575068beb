// Package identity verifies bearer tokens issued by the platform's account
// service and resolves the caller's team.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/store"
)

// TokenCookieName is the cookie browsers send the access token in.
const TokenCookieName = "atlas_token"

type contextKey int

const (
	claimsKey contextKey = iota
	teamKey
)

// Claims are the access token claims this service relies on.
type Claims struct {
	TeamID int64 `json:"team_id,omitempty"`
	Admin  bool  `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject of the token.
func (c *Claims) UserID() string { return c.Subject }

// Verifier checks HS256 access tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign issues a token for claims that expires after ttl.
func (v *Verifier) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("verify token: missing subject")
	}
	return claims, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(TokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware rejects requests without a valid token and stores the claims
// in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			slog.Debug("Rejected access token", "error", err, "ip", IPFromRequest(r))
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// TeamLookup resolves teams by id.
type TeamLookup interface {
	GetTeam(ctx context.Context, id int64) (*domain.Team, error)
}

// RequireTeam resolves the caller's team and rejects callers without a team
// or whose team is banned.
func RequireTeam(teams TeamLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if claims.TeamID <= 0 {
				writeError(w, http.StatusBadRequest, string(domain.KindNotInTeam), "you must be in a team")
				return
			}

			team, err := teams.GetTeam(r.Context(), claims.TeamID)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusBadRequest, string(domain.KindNotInTeam), "you must be in a team")
				return
			}
			if err != nil {
				slog.Error("Failed to load team", "error", err, "team_id", claims.TeamID)
				writeError(w, http.StatusInternalServerError, string(domain.KindStorage), "could not load team")
				return
			}
			if team.Banned {
				writeError(w, http.StatusForbidden, string(domain.KindTeamBanned), "your team is banned")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), teamKey, team)))
		})
	}
}

// RequireAdmin rejects callers whose token lacks the admin claim.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || !claims.Admin {
			writeError(w, http.StatusForbidden, "forbidden", "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClaimsFromContext returns the verified claims, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey).(*Claims); ok {
		return c
	}
	return nil
}

// TeamFromContext returns the team resolved by RequireTeam, or nil.
func TeamFromContext(ctx context.Context) *domain.Team {
	if t, ok := ctx.Value(teamKey).(*domain.Team); ok {
		return t
	}
	return nil
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// WithTeam returns a context carrying team.
func WithTeam(ctx context.Context, t *domain.Team) context.Context {
	return context.WithValue(ctx, teamKey, t)
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}
