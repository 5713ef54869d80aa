// Package router is a small method and path router for fasthttp with
// {name} path parameters.
package router

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// RouteKey is the user value holding the matched route pattern.
const RouteKey = "route"

type Router struct {
	routes   map[string][]route
	notFound fasthttp.RequestHandler
}

type route struct {
	pattern  string
	segments []segment
	handler  fasthttp.RequestHandler
}

type segment struct {
	name    string
	isParam bool
}

func New() *Router {
	return &Router{routes: make(map[string][]route)}
}

// Handler dispatches to the first route registered for the method whose
// pattern matches the path. Path parameters become user values.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())
	if list, ok := r.routes[method]; ok {
		for _, rt := range list {
			if values, ok := match(path, rt.segments); ok {
				for k, v := range values {
					ctx.SetUserValue(k, v)
				}
				ctx.SetUserValue(RouteKey, rt.pattern)
				rt.handler(ctx)
				return
			}
		}
	}
	if r.allowed(path, method) {
		WriteJSONError(ctx, fasthttp.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if r.notFound != nil {
		r.notFound(ctx)
		return
	}
	WriteJSONError(ctx, fasthttp.StatusNotFound, "NOT_FOUND", "no such route")
}

// allowed reports whether some other method serves path.
func (r *Router) allowed(path, method string) bool {
	for m, list := range r.routes {
		if m == method {
			continue
		}
		for _, rt := range list {
			if _, ok := match(path, rt.segments); ok {
				return true
			}
		}
	}
	return false
}

func (r *Router) GET(path string, h fasthttp.RequestHandler)  { r.add(fasthttp.MethodGet, path, h) }
func (r *Router) POST(path string, h fasthttp.RequestHandler) { r.add(fasthttp.MethodPost, path, h) }
func (r *Router) PUT(path string, h fasthttp.RequestHandler)  { r.add(fasthttp.MethodPut, path, h) }
func (r *Router) DELETE(path string, h fasthttp.RequestHandler) {
	r.add(fasthttp.MethodDelete, path, h)
}

func (r *Router) NotFound(h fasthttp.RequestHandler) {
	r.notFound = h
}

func (r *Router) add(method, path string, h fasthttp.RequestHandler) {
	r.routes[method] = append(r.routes[method], route{pattern: path, segments: parse(path), handler: h})
}

func parse(path string) []segment {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") && len(part) > 2 {
			segs[i] = segment{name: part[1 : len(part)-1], isParam: true}
		} else {
			segs[i] = segment{name: part}
		}
	}
	return segs
}

func match(path string, segs []segment) (map[string]string, bool) {
	path = strings.Trim(path, "/")
	var parts []string
	if path != "" {
		parts = strings.Split(path, "/")
	}
	if len(parts) != len(segs) {
		return nil, false
	}
	values := make(map[string]string)
	for i, seg := range segs {
		if seg.isParam {
			if parts[i] == "" {
				return nil, false
			}
			values[seg.name] = parts[i]
			continue
		}
		if seg.name != parts[i] {
			return nil, false
		}
	}
	return values, true
}
