package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Trace-ID"
)

// CORS admits browser clients from the configured wallet origins. An entry of
// "*" admits any origin; an entry starting with "." admits its subdomains.
type CORS struct {
	any      bool
	exact    map[string]struct{}
	suffixes []string
}

// NewCORS parses origins into a CORS policy.
func NewCORS(origins []string) *CORS {
	c := &CORS{exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "*":
			c.any = true
		case strings.HasPrefix(o, "."):
			c.suffixes = append(c.suffixes, o)
		case o != "":
			c.exact[o] = struct{}{}
		}
	}
	return c
}

// Allowed reports whether requests from origin are accepted. The live views
// use it to vet websocket upgrades.
func (c *CORS) Allowed(origin string) bool {
	if c.any {
		return true
	}
	if _, ok := c.exact[origin]; ok {
		return true
	}
	for _, s := range c.suffixes {
		if strings.HasSuffix(origin, s) {
			return true
		}
	}
	return false
}

// Handler sets the access-control headers for admitted origins and answers
// preflight requests itself.
func (c *CORS) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && c.Allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Expose-Headers", "X-Trace-ID")
			h.Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
