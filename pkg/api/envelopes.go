package api

import (
	"github.com/valyala/fasthttp"

	"keyrelay/pkg/api/router"
	"keyrelay/pkg/models"
)

func (s *Server) recordEnvelope(ctx *fasthttp.RequestCtx) {
	var env models.Envelope
	if err := router.DecodeJSON(ctx, &env); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	c, cancel := s.op()
	defer cancel()
	rec, err := s.svc.Envelopes.Record(c, env.EnvelopeMetadata, env.Ciphertext)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusCreated, rec.EnvelopeMetadata)
}

func (s *Server) getEnvelope(ctx *fasthttp.RequestCtx) {
	c, cancel := s.op()
	defer cancel()
	env, err := s.svc.Envelopes.Get(c, router.Param(ctx, "id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, env)
}
