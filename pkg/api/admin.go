package api

import (
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"

	"keyrelay/internal/retention"
	"keyrelay/pkg/api/router"
)

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	resp := map[string]any{
		"status":  "ok",
		"service": "keyrelay",
		"version": s.version,
	}
	if s.svc.Store != nil {
		used := s.svc.Store.DiskUsage()
		resp["disk_usage_bytes"] = used
		resp["disk_usage"] = humanize.IBytes(used)
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, resp)
}

// runGC starts a retention run now and answers with its report.
func (s *Server) runGC(ctx *fasthttp.RequestCtx) {
	if s.svc.Retention == nil {
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "UNAVAILABLE", "retention is not configured")
		return
	}
	c, cancel := s.op()
	defer cancel()
	report, err := s.svc.Retention.RunImmediate(c)
	if errors.Is(err, retention.ErrRunning) {
		router.WriteJSONError(ctx, fasthttp.StatusConflict, "CONFLICT", err.Error())
		return
	}
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, report)
}
