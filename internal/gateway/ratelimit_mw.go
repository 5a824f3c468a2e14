package gateway

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/bucketgate/internal/auth"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

// DecisionHook observes every admission decision, e.g. for metrics.
type DecisionHook func(routeID, policyID string, dec ratelimit.Decision)

// RateLimit applies the policy of the matched route to the caller's client
// key. Routes without a policy, and paths in skipPaths, are not limited.
func RateLimit(
	limiters ratelimit.Provider,
	skipPaths map[string]struct{},
	onDecision DecisionHook,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, _ := routing.RouteFrom(r)
			if rt == nil || rt.Policy == "" {
				next.ServeHTTP(w, r)
				return
			}

			lim, ok := limiters.Limiter(rt.Policy)
			if !ok {
				hlog.FromRequest(r).Error().Str("route", rt.ID).Str("policy", rt.Policy).Msg("route references unknown policy")
				writeError(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			key := ClientKey(r)
			dec := lim.Allow(key, time.Now())
			if onDecision != nil {
				onDecision(rt.ID, rt.Policy, dec)
			}

			SetHeaders(w.Header(), dec)

			if !dec.Allowed {
				hlog.FromRequest(r).Warn().
					Str("client", key).
					Str("route", rt.ID).
					Str("policy", rt.Policy).
					Int64("reset", dec.Reset).
					Msg("rate limited")
				WriteRejection(w, dec)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller: the API key ID when authenticated,
// otherwise the remote host without port.
func ClientKey(r *http.Request) string {
	if id, ok := auth.KeyIDFrom(r.Context()); ok && id != "" {
		return "key:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func SetHeaders(h http.Header, dec ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.FormatFloat(dec.Limit, 'f', -1, 64))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset, 10))
}

type rejection struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteRejection renders the 429 response for a denied decision.
func WriteRejection(w http.ResponseWriter, dec ratelimit.Decision) {
	w.Header().Set("Retry-After", strconv.FormatInt(dec.Reset, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejection{
		Error:   "Too Many Requests - Rate limit exceeded",
		Message: fmt.Sprintf("Please try again in %d seconds.", dec.Reset),
	})
}

// local tiny JSON helper to avoid coupling to auth package
func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
