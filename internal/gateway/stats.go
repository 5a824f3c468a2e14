package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

type StatsSource interface {
	Stats() ratelimit.Stats
}

// StatsHandler serves the read-only limiter stats as JSON.
func StatsHandler(src StatsSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.Stats())
	})
}
