package api

import (
	"github.com/valyala/fasthttp"

	"keyrelay/pkg/api/router"
	"keyrelay/pkg/models"
)

func sessionKey(ctx *fasthttp.RequestCtx) (models.SessionKey, bool) {
	dev, ok := router.Uint32Param(ctx, "device")
	if !ok {
		badRequest(ctx, "device must be a positive integer")
		return models.SessionKey{}, false
	}
	return models.SessionKey{
		LocalUserID:  router.Param(ctx, "local"),
		RemoteUserID: router.Param(ctx, "remote"),
		DeviceID:     dev,
	}, true
}

func (s *Server) listSessions(ctx *fasthttp.RequestCtx) {
	c, cancel := s.op()
	defer cancel()
	list, err := s.svc.Sessions.ListActive(c, router.Param(ctx, "local"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) getSession(ctx *fasthttp.RequestCtx) {
	k, ok := sessionKey(ctx)
	if !ok {
		return
	}
	c, cancel := s.op()
	defer cancel()
	st, err := s.svc.Sessions.Get(c, k)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, st)
}

type putSessionRequest struct {
	Blob []byte `json:"blob"`
	// ExpectedVersion turns the write into a compare-and-put. Zero means
	// the session must not exist yet.
	ExpectedVersion *uint64 `json:"expected_version,omitempty"`
}

func (s *Server) putSession(ctx *fasthttp.RequestCtx) {
	k, ok := sessionKey(ctx)
	if !ok {
		return
	}
	var req putSessionRequest
	if err := router.DecodeJSON(ctx, &req); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	c, cancel := s.op()
	defer cancel()

	var (
		version uint64
		err     error
	)
	if req.ExpectedVersion != nil {
		version, err = s.svc.Sessions.CompareAndPut(c, k, req.Blob, *req.ExpectedVersion)
	} else {
		version, err = s.svc.Sessions.Put(c, k, req.Blob)
	}
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]uint64{"version": version})
}

func (s *Server) deleteSession(ctx *fasthttp.RequestCtx) {
	k, ok := sessionKey(ctx)
	if !ok {
		return
	}
	c, cancel := s.op()
	defer cancel()
	if err := s.svc.Sessions.Delete(c, k); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
