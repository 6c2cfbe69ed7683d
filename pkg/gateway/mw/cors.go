package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/formvoice/pkg/gateway/config"
)

var corsAllowedMethods = "GET, POST, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
}, ", ")

var corsExposedHeaders = "X-Request-ID"

// CORS attaches headers for allowlisted origins. A "*" entry allows any
// origin, which is how the browser client is served by default.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	allowAll := cfg.CORSAllowAll()
	permitted := func(origin string) bool {
		if origin == "" {
			return false
		}
		if allowAll {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		// Preflight: explicitly allow/deny so browser callers get deterministic behavior.
		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !permitted(origin) {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}

			setAllowOrigin(w, origin, allowAll)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if permitted(origin) {
			setAllowOrigin(w, origin, allowAll)
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}

		next.ServeHTTP(w, r)
	})
}

func setAllowOrigin(w http.ResponseWriter, origin string, allowAll bool) {
	if allowAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
}
