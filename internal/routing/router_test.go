package routing

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/bucketgate/internal/config"
)

func TestRouter_Match(t *testing.T) {
	cfg := config.Defaults()
	r := FromConfig(cfg.Routes)

	tests := []struct {
		method, path string
		wantID       string
	}{
		{"GET", "/", "home"},
		{"get", "/api", "api"},
		{"GET", "/api/users", "api"},
		{"GET", "/apiary", ""},
		{"POST", "/api", ""},
		{"GET", "/other", ""},
	}
	for _, tt := range tests {
		rt, ok := r.Match(tt.method, tt.path)
		if tt.wantID == "" {
			assert.False(t, ok, "%s %s", tt.method, tt.path)
			continue
		}
		require.True(t, ok, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.wantID, rt.ID)
	}
}

func TestRouter_LongestPrefixWins(t *testing.T) {
	r := New()
	get := map[string]struct{}{"GET": {}}
	r.Add(&Route{ID: "api", Methods: get, Prefix: "/api/"})
	r.Add(&Route{ID: "admin", Methods: get, Prefix: "/api/admin"})

	rt, ok := r.Match("GET", "/api/admin/users")
	require.True(t, ok)
	assert.Equal(t, "admin", rt.ID)

	rt, ok = r.Match("GET", "/api/items")
	require.True(t, ok)
	assert.Equal(t, "api", rt.ID)
}

func TestRouteContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, ok := RouteFrom(req)
	assert.False(t, ok)

	rt := &Route{ID: "home", Policy: "public"}
	got, ok := RouteFrom(WithRoute(req, rt))
	require.True(t, ok)
	assert.Same(t, rt, got)
}
