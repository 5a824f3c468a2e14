package routing

import (
	"context"
	"net/http"
	"strings"

	"github.com/AlexKimmel/bucketgate/internal/config"
)

type Route struct {
	ID      string
	Methods map[string]struct{}
	Prefix  string
	Policy  string // rate-limit policy id, empty means unlimited
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// FromConfig builds a router with the configured routes in order.
func FromConfig(routes []config.Route) *Router {
	r := New()
	for _, c := range routes {
		methods := make(map[string]struct{}, len(c.Match.Methods))
		for _, m := range c.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		r.Add(&Route{
			ID:      c.ID,
			Methods: methods,
			Prefix:  c.Match.PathPrefix,
			Policy:  c.Policy,
		})
	}
	return r
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the route with the longest prefix matching path. The root
// prefix "/" only matches "/" itself.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	var best *Route
	bestLen := -1
	for _, rt := range r.routes {
		if _, ok := rt.Methods[m]; !ok {
			continue
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			prefix = "/"
		}

		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			if len(prefix) > bestLen {
				best, bestLen = rt, len(prefix)
			}
		}
	}
	return best, best != nil
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
