// Package api exposes the key subsystem over HTTP with fasthttp. Handlers
// decode requests, call one operation and encode its result. Only API keys
// and rate limits are enforced here.
package api

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"keyrelay/internal/retention"
	"keyrelay/pkg/api/router"
	"keyrelay/pkg/config"
	"keyrelay/pkg/envelopes"
	"keyrelay/pkg/fingerprint"
	"keyrelay/pkg/groupkeys"
	"keyrelay/pkg/identity"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
	"keyrelay/pkg/prekeys"
	"keyrelay/pkg/sessions"
	"keyrelay/pkg/signedprekeys"
	"keyrelay/pkg/store"
)

const defaultOpTimeout = 10 * time.Second

// Services are the operations the API serves.
type Services struct {
	Store        *store.Store
	Identities   *identity.Manager
	PreKeys      *prekeys.Allocator
	Signed       *signedprekeys.Rotator
	Sessions     *sessions.Registry
	Groups       *groupkeys.Distributor
	Envelopes    *envelopes.Relay
	Fingerprints *fingerprint.Service
	// Retention is optional; without it the gc job route answers 503.
	Retention *retention.Manager
}

type Server struct {
	svc          Services
	clientKeys   map[string]struct{}
	adminKeys    map[string]struct{}
	limiter      *limiterPool
	claimLimiter *limiterPool
	lowWatermark int
	opTimeout    time.Duration
	version      string

	base   context.Context
	cancel context.CancelFunc
}

// New builds a server. version is reported by /admin/health.
func New(svc Services, cfg *config.Config, version string) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		svc:          svc,
		clientKeys:   keySet(cfg.Security.APIKeys.Client),
		adminKeys:    keySet(cfg.Security.APIKeys.Admin),
		limiter:      newLimiterPool("general", cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst),
		claimLimiter: newLimiterPool("claim", cfg.Security.RateLimit.ClaimRPS, cfg.Security.RateLimit.ClaimBurst),
		lowWatermark: cfg.PreKeys.LowWatermark,
		opTimeout:    defaultOpTimeout,
		version:      version,
		base:         base,
		cancel:       cancel,
	}
	if len(s.clientKeys) == 0 && len(s.adminKeys) == 0 {
		logger.Warn("api_keys_not_configured", "effect", "all routes are open")
	}
	return s
}

func keySet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = struct{}{}
		}
	}
	return m
}

// Close cancels in-flight operations and stops limiter cleanup.
func (s *Server) Close() {
	s.cancel()
	s.limiter.Shutdown()
	s.claimLimiter.Shutdown()
}

// op returns the context an operation runs under.
func (s *Server) op() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.base, s.opTimeout)
}

// RegisterRoutes wires every route onto r.
func (s *Server) RegisterRoutes(r *router.Router) {
	// identities
	r.POST("/v1/identities", s.registerIdentity)
	r.GET("/v1/identities/{user}", s.listDevices)
	r.POST("/v1/identities/{user}/reset", s.resetIdentity)
	r.GET("/v1/identities/{user}/export", s.exportKeyMaterial)
	r.POST("/v1/identities/{user}/import", s.importKeyMaterial)

	// prekeys
	r.POST("/v1/devices/{user}/{device}/prekeys", s.registerPreKeys)
	r.GET("/v1/devices/{user}/{device}/prekeys/count", s.countPreKeys)
	r.POST("/v1/devices/{user}/{device}/bundle", s.claimBundle)
	r.GET("/v1/devices/{user}/{device}/signed-prekey", s.getSignedPreKey)
	r.PUT("/v1/devices/{user}/{device}/signed-prekey", s.rotateSignedPreKey)

	// sessions
	r.GET("/v1/sessions/{local}", s.listSessions)
	r.GET("/v1/sessions/{local}/{remote}/{device}", s.getSession)
	r.PUT("/v1/sessions/{local}/{remote}/{device}", s.putSession)
	r.DELETE("/v1/sessions/{local}/{remote}/{device}", s.deleteSession)

	// groups
	r.GET("/v1/groups/{group}", s.listGroup)
	r.PUT("/v1/groups/{group}/senders/{sender}/{device}", s.distributeSenderKey)
	r.GET("/v1/groups/{group}/senders/{sender}/{device}", s.getSenderKey)
	r.DELETE("/v1/groups/{group}/senders/{sender}/{device}", s.revokeSenderKey)

	// envelopes
	r.POST("/v1/envelopes", s.recordEnvelope)
	r.GET("/v1/envelopes/{id}", s.getEnvelope)

	// fingerprints
	r.POST("/v1/fingerprints", s.computeFingerprint)
	r.POST("/v1/fingerprints/verify", s.verifyFingerprint)

	// admin
	r.GET("/admin/health", s.health)
	r.GET("/admin/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	r.POST("/admin/jobs/gc", s.runGC)
}

// Handler returns the full handler chain: metrics, auth, rate limits and
// the router.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	s.RegisterRoutes(r)
	return s.instrument(s.authenticate(r.Handler))
}

// instrument records per-route request counts and latency.
func (s *Server) instrument(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		route := router.Route(ctx)
		metrics.HTTPRequests.WithLabelValues(route, statusLabel(ctx.Response.StatusCode())).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
