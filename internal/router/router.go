// Package router implements the longest-prefix static route table used to
// dispatch a parsed request to a Handler.
package router

import (
	"strings"

	"github.com/tagit-io/tagd/internal/httpd"
)

// Handler handles one request. req is the single read/write facade for
// the connection: it carries the parsed request and the capability to
// send the response preamble and body.
type Handler interface {
	Handle(req *httpd.Request) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(req *httpd.Request) error

// Handle implements Handler.
func (f HandlerFunc) Handle(req *httpd.Request) error { return f(req) }

// LookupResult is the outcome of a route lookup.
type LookupResult int

const (
	// Matched means a handler was found for (path, verb).
	Matched LookupResult = iota
	// MethodNotAllowed means a path prefix matched but no route exists
	// for the given verb.
	MethodNotAllowed
	// NotFound means no registered path is a prefix of the request path.
	NotFound
)

// Router is a mapping from path prefix to a verb -> handler table.
// Registration happens once at startup and is not safe to call
// concurrently with Lookup.
type Router struct {
	routes map[string]map[string]Handler
}

// New returns an empty Router.
func New() *Router {
	return &Router{routes: make(map[string]map[string]Handler)}
}

// Register adds a handler for (path, verb). path must begin with "/".
func (r *Router) Register(path, verb string, h Handler) {
	if !strings.HasPrefix(path, "/") {
		panic("router: path must begin with '/', got " + path)
	}
	if verb == "" {
		panic("router: verb must not be empty")
	}

	verbs, ok := r.routes[path]
	if !ok {
		verbs = make(map[string]Handler)
		r.routes[path] = verbs
	}
	verbs[verb] = h
}

// Lookup finds the handler for (path, verb) using longest-prefix matching:
// it first tries an exact match on path, then repeatedly trims the
// trailing segment (everything from the last '/') and retries. The first
// registered path hit wins outright: it returns Matched if verb is in its
// table, MethodNotAllowed otherwise — the walk never continues past a
// path match looking for a shorter prefix with the verb.
func (r *Router) Lookup(path, verb string) (Handler, LookupResult) {
	if !strings.HasPrefix(path, "/") {
		panic("router: path must begin with '/', got " + path)
	}
	if verb == "" {
		panic("router: verb must not be empty")
	}

	for {
		if verbs, ok := r.routes[path]; ok {
			if h, ok := verbs[verb]; ok {
				return h, Matched
			}
			return nil, MethodNotAllowed
		}

		if path == "" {
			return nil, NotFound
		}

		idx := strings.LastIndex(path, "/")
		if idx < 0 {
			return nil, NotFound
		}
		if idx == 0 {
			// "/a" -> "/" : keep the root slash, try once more, then stop.
			if path == "/" {
				return nil, NotFound
			}
			path = "/"
			continue
		}
		path = path[:idx]
	}
}
