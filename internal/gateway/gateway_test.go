package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/bucketgate/internal/auth"
	"github.com/AlexKimmel/bucketgate/internal/config"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

var skip = map[string]struct{}{"/stats": {}}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type recordedDecision struct {
	route, policy string
	allowed       bool
}

func newTestGateway(t *testing.T, hook DecisionHook) (http.Handler, *memory.Registry) {
	t.Helper()
	cfg := config.Defaults()
	reg := memory.NewRegistry()
	policies, err := cfg.Limits.RatePolicies()
	require.NoError(t, err)
	for _, p := range policies {
		_, err := reg.Register(p)
		require.NoError(t, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", okHandler)
	mux.Handle("/stats", StatsHandler(reg))

	store := auth.NewStatic("", map[string]string{"s3cret": "team-a"})
	h := Chain(mux,
		BodyLimit(1024),
		store.Middleware(skip),
		RouteMatcher(routing.FromConfig(cfg.Routes), skip),
		RateLimit(reg, skip, hook),
	)
	return h, reg
}

func get(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimit_StrictRoute(t *testing.T) {
	h, _ := newTestGateway(t, nil)

	for i := 1; i <= 10; i++ {
		rr := get(h, "/api", "192.168.1.1:5000")
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i)
		assert.Equal(t, "10", rr.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(10-i), rr.Header().Get("X-RateLimit-Remaining"))
	}

	rr := get(h, "/api", "192.168.1.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "5", rr.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "5", rr.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "Too Many Requests - Rate limit exceeded", body["error"])
	assert.Equal(t, "Please try again in 5 seconds.", body["message"])
}

func TestRateLimit_PoliciesAndClientsIndependent(t *testing.T) {
	h, _ := newTestGateway(t, nil)

	for i := 0; i < 11; i++ {
		get(h, "/api", "10.0.0.1:1")
	}
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/api", "10.0.0.1:1").Code)

	rr := get(h, "/", "10.0.0.1:1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "100", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rr.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, get(h, "/api", "10.0.0.2:1").Code)
}

func TestRateLimit_APIKeyIdentity(t *testing.T) {
	h, reg := newTestGateway(t, nil)

	req := httptest.NewRequest("GET", "/api", nil)
	req.RemoteAddr = "10.0.0.9:4000"
	req.Header.Set("X-API-Key", "s3cret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, []string{"key:team-a"}, reg.Stats().Clients)
}

func TestRateLimit_SkipAndUnmatched(t *testing.T) {
	h, reg := newTestGateway(t, nil)

	rr := get(h, "/stats", "10.0.0.1:1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"))

	rr = get(h, "/nowhere", "10.0.0.1:1")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, 0, reg.Stats().TotalClients)
}

func TestRateLimit_RouteWithoutPolicy(t *testing.T) {
	reg := memory.NewRegistry()
	r := routing.New()
	r.Add(&routing.Route{ID: "open", Methods: map[string]struct{}{"GET": {}}, Prefix: "/open"})

	h := Chain(http.HandlerFunc(okHandler), RouteMatcher(r, nil), RateLimit(reg, nil, nil))
	rr := get(h, "/open", "1.1.1.1:1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_UnknownPolicy(t *testing.T) {
	reg := memory.NewRegistry()
	r := routing.New()
	r.Add(&routing.Route{ID: "x", Methods: map[string]struct{}{"GET": {}}, Prefix: "/x", Policy: "ghost"})

	h := Chain(http.HandlerFunc(okHandler), RouteMatcher(r, nil), RateLimit(reg, nil, nil))
	rr := get(h, "/x", "1.1.1.1:1")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "rate_limiter_error")
}

func TestRateLimit_DecisionHook(t *testing.T) {
	var got []recordedDecision
	h, _ := newTestGateway(t, func(routeID, policyID string, dec ratelimit.Decision) {
		got = append(got, recordedDecision{routeID, policyID, dec.Allowed})
	})

	for i := 0; i < 11; i++ {
		get(h, "/api", "10.0.0.1:1")
	}
	get(h, "/", "10.0.0.1:1")

	require.Len(t, got, 12)
	assert.Equal(t, recordedDecision{"api", "strict", true}, got[0])
	assert.Equal(t, recordedDecision{"api", "strict", false}, got[10])
	assert.Equal(t, recordedDecision{"home", "public", true}, got[11])
}

func TestStatsHandler(t *testing.T) {
	h, _ := newTestGateway(t, nil)

	for i := 0; i < 12; i++ {
		get(h, "/api", "10.0.0.1:1")
	}
	get(h, "/", "10.0.0.2:1")

	rr := get(h, "/stats", "10.0.0.3:1")
	require.Equal(t, http.StatusOK, rr.Code)

	var stats ratelimit.Stats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	assert.Equal(t, ratelimit.Stats{
		TotalClients:    2,
		BlockedRequests: 2,
		Clients:         []string{"10.0.0.1", "10.0.0.2"},
	}, stats)

	req := httptest.NewRequest("POST", "/stats", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientKey(req))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientKey(req))

	req = req.WithContext(auth.WithKeyID(req.Context(), "svc"))
	assert.Equal(t, "key:svc", ClientKey(req))
}

func TestBodyLimit(t *testing.T) {
	h := BodyLimit(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/", strings.NewReader("too long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/", strings.NewReader("ok")))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(okHandler), mark("outer"), nil, mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
