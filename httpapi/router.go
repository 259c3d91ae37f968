package httpapi

import (
	"hash/fnv"
	"strings"

	"github.com/searchraft/searchraft/types"
)

// Params holds the values of `:name` segments extracted from a matched path.
type Params map[string]string

// Handler executes a route against a request/response pair.
type Handler func(req *Request, params Params, res *Response)

// Route is a registered endpoint. Mutating routes travel through the
// replicated log and are identified in log payloads by their hash.
type Route struct {
	Method   string
	Pattern  string
	Hash     types.RouteCode
	Handler  Handler
	Mutating bool

	// Streaming marks routes whose request body may be relayed without
	// buffering (bulk imports).
	Streaming bool

	segments []string
}

// reservedRouteCodes is the range set aside for control signalling such as
// RouteAlreadyHandled; computed hashes are displaced out of it.
const reservedRouteCodes = 1 << 8

// hashRoute derives the stable route code for a method/pattern pair.
func hashRoute(method, pattern string) types.RouteCode {
	h := fnv.New64a()
	h.Write([]byte(method))
	h.Write([]byte(" "))
	h.Write([]byte(pattern))
	code := h.Sum64()
	if code < reservedRouteCodes {
		code += reservedRouteCodes
	}
	return types.RouteCode(code)
}

// Router is the route table. Registration happens once at startup; lookups
// are read-only afterwards and safe for concurrent use.
type Router struct {
	routes []*Route
	byHash map[types.RouteCode]*Route
}

// NewRouter returns an empty route table.
func NewRouter() *Router {
	return &Router{byHash: make(map[types.RouteCode]*Route)}
}

// Register adds a route. Patterns use `:name` segments for parameters,
// e.g. `/collections/:collection/documents/:id`.
func (rt *Router) Register(method, pattern string, h Handler, mutating bool) *Route {
	r := &Route{
		Method:   method,
		Pattern:  pattern,
		Hash:     hashRoute(method, pattern),
		Handler:  h,
		Mutating: mutating,
		segments: splitPath(pattern),
	}
	rt.routes = append(rt.routes, r)
	rt.byHash[r.Hash] = r
	return r
}

// Find matches a method and concrete path against the table.
func (rt *Router) Find(method, path string) (*Route, Params, bool) {
	pathSegs := splitPath(path)
	for _, r := range rt.routes {
		if r.Method != method {
			continue
		}
		if params, ok := matchSegments(r.segments, pathSegs); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

// FindByHash resolves a route from the code carried in a log payload.
func (rt *Router) FindByHash(code types.RouteCode) (*Route, bool) {
	r, ok := rt.byHash[code]
	return r, ok
}

// PathParams re-derives parameter values for a route from a concrete path.
// Used on the apply side, where only the route hash travels in the log.
func (r *Route) PathParams(path string) Params {
	params, ok := matchSegments(r.segments, splitPath(path))
	if !ok {
		return Params{}
	}
	return params
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) (Params, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	params := make(Params)
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}
