// Package router maps request methods and path prefixes to handlers.
//
// A Router is built once at startup by the route installers and then only
// read, so Match may be called from any number of goroutines.
package router

import (
	"context"
	"net/http"
	"sort"
	"strings"
)

// Handler resolves a matched request to a response.
type Handler func(ctx context.Context, r *http.Request) (*http.Response, error)

type route struct {
	method  string
	prefix  string
	handler Handler
}

// Router is an explicit route registry. The zero value is ready to use.
type Router struct {
	routes []route
}

// New returns an empty router.
func New() *Router {
	return &Router{}
}

// Get registers h for GET requests under prefix.
func (rt *Router) Get(prefix string, h Handler) {
	rt.Handle(http.MethodGet, prefix, h)
}

// Post registers h for POST requests under prefix.
func (rt *Router) Post(prefix string, h Handler) {
	rt.Handle(http.MethodPost, prefix, h)
}

// Handle registers h for method under prefix. A later registration of the
// same method and prefix replaces the earlier one.
func (rt *Router) Handle(method, prefix string, h Handler) {
	if h == nil {
		panic("router: nil handler for " + method + " " + prefix)
	}
	method = strings.ToUpper(method)
	prefix = cleanPrefix(prefix)

	for i, r := range rt.routes {
		if r.method == method && r.prefix == prefix {
			rt.routes[i].handler = h
			return
		}
	}
	rt.routes = append(rt.routes, route{method: method, prefix: prefix, handler: h})

	// Longest prefix first so Match can stop at the first hit.
	sort.SliceStable(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].prefix) > len(rt.routes[j].prefix)
	})
}

// Match returns the handler of the longest prefix matching r's path among
// the routes registered for r's method.
func (rt *Router) Match(r *http.Request) (Handler, bool) {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	for _, route := range rt.routes {
		if route.method == r.Method && hasPathPrefix(path, route.prefix) {
			return route.handler, true
		}
	}
	return nil, false
}

// Len returns the number of registered routes.
func (rt *Router) Len() int {
	return len(rt.routes)
}

func cleanPrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	return prefix
}

// hasPathPrefix matches whole path segments: /api matches /api and /api/x
// but not /apix.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
