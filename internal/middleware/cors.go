// Package middleware provides HTTP middleware for the Atlas API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	corsMethods = "GET, POST, PUT, DELETE"
	corsHeaders = "Authorization, Content-Type"
	corsMaxAge  = 10 * 60 // seconds browsers may cache a preflight
)

// originPolicy is the set of origins the scoreboard frontend is served from.
// "*" admits any origin but never with credentials.
type originPolicy struct {
	any      bool
	explicit map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{explicit: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = normalizeOrigin(o)
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.explicit[o] = struct{}{}
		}
	}
	return p
}

// admit reports whether origin may read responses and whether it may do so
// with credentials.
func (p originPolicy) admit(origin string) (allowed, credentials bool) {
	if _, ok := p.explicit[normalizeOrigin(origin)]; ok {
		return true, true
	}
	return p.any, false
}

// normalizeOrigin lowercases and drops a trailing slash so a configured
// FRONTEND_URL of "https://CTF.example.org/" matches the browser's Origin.
func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// CORS admits cross-origin requests from allowedOrigins. Preflights are
// answered here with 204 for admitted origins and 403 otherwise; every other
// request reaches next, with CORS headers only when its origin is admitted.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, credentials := policy.admit(origin)
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				if credentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if !isPreflight(r) {
				next.ServeHTTP(w, r)
				return
			}

			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
