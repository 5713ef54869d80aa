package api

import (
	"net"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"keyrelay/pkg/api/router"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
)

type role int

const (
	roleUnauth role = iota
	roleClient
	roleAdmin
	// roleOpen is used when no API keys are configured at all.
	roleOpen
)

// extractAPIKey reads "Authorization: Bearer <key>" or X-API-Key.
func extractAPIKey(ctx *fasthttp.RequestCtx) string {
	if auth := string(ctx.Request.Header.Peek("Authorization")); auth != "" {
		parts := strings.Fields(auth)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return string(ctx.Request.Header.Peek("X-API-Key"))
}

func clientIP(ctx *fasthttp.RequestCtx) string {
	host := ctx.RemoteAddr().String()
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

func (s *Server) roleOf(key string) role {
	if len(s.clientKeys) == 0 && len(s.adminKeys) == 0 {
		return roleOpen
	}
	if key == "" {
		return roleUnauth
	}
	if _, ok := s.adminKeys[key]; ok {
		return roleAdmin
	}
	if _, ok := s.clientKeys[key]; ok {
		return roleClient
	}
	return roleUnauth
}

func publicPath(path string) bool {
	return path == "/admin/health"
}

// requesterKey identifies the caller for rate limiting.
func requesterKey(ctx *fasthttp.RequestCtx, key string) string {
	if key != "" {
		return "key:" + key
	}
	return "ip:" + clientIP(ctx)
}

// authenticate enforces API keys and rate limits. Client keys may use /v1
// routes only, admin keys /admin routes only.
func (s *Server) authenticate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		if publicPath(path) {
			next(ctx)
			return
		}

		key := extractAPIKey(ctx)
		r := s.roleOf(key)
		admin := strings.HasPrefix(path, "/admin")
		switch {
		case r == roleUnauth:
			router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
			logger.Warn("request_unauthorized", "path", path, "remote", clientIP(ctx))
			return
		case r == roleClient && admin:
			router.WriteJSONError(ctx, fasthttp.StatusForbidden, "PERMISSION_DENIED", "client api keys cannot access admin routes")
			logger.Warn("client_admin_access_attempt", "path", path, "remote", clientIP(ctx))
			return
		case r == roleAdmin && !admin:
			router.WriteJSONError(ctx, fasthttp.StatusForbidden, "PERMISSION_DENIED", "admin api keys may only access /admin routes")
			logger.Warn("admin_route_violation", "path", path, "remote", clientIP(ctx))
			return
		}

		requester := requesterKey(ctx, key)
		if !s.limiter.Allow(requester) {
			tooMany(ctx, s.limiter.name, path)
			return
		}
		next(ctx)
	}
}

// allowClaim applies the per-requester claim limit. It writes the 429
// itself when the claim is refused.
func (s *Server) allowClaim(ctx *fasthttp.RequestCtx) bool {
	if s.claimLimiter.Allow(requesterKey(ctx, extractAPIKey(ctx))) {
		return true
	}
	tooMany(ctx, s.claimLimiter.name, string(ctx.Path()))
	return false
}

func tooMany(ctx *fasthttp.RequestCtx, limiter, path string) {
	metrics.RateLimited.WithLabelValues(limiter).Inc()
	ctx.Response.Header.Set("Retry-After", "1")
	router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded")
	logger.Warn("rate_limited", "limiter", limiter, "path", path)
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
