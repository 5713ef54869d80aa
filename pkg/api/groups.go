package api

import (
	"github.com/valyala/fasthttp"

	"keyrelay/pkg/api/router"
	"keyrelay/pkg/models"
)

func senderAddress(ctx *fasthttp.RequestCtx) (models.SenderKeyAddress, bool) {
	dev, ok := router.Uint32Param(ctx, "device")
	if !ok {
		badRequest(ctx, "device must be a positive integer")
		return models.SenderKeyAddress{}, false
	}
	return models.SenderKeyAddress{
		GroupID:  router.Param(ctx, "group"),
		SenderID: router.Param(ctx, "sender"),
		DeviceID: dev,
	}, true
}

func (s *Server) listGroup(ctx *fasthttp.RequestCtx) {
	c, cancel := s.op()
	defer cancel()
	list, err := s.svc.Groups.ListGroup(c, router.Param(ctx, "group"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"sender_keys": list})
}

type distributeRequest struct {
	KeyData []byte `json:"key_data"`
	Rotate  bool   `json:"rotate"`
}

func (s *Server) distributeSenderKey(ctx *fasthttp.RequestCtx) {
	a, ok := senderAddress(ctx)
	if !ok {
		return
	}
	var req distributeRequest
	if err := router.DecodeJSON(ctx, &req); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	c, cancel := s.op()
	defer cancel()
	sk, err := s.svc.Groups.Distribute(c, a, req.KeyData, req.Rotate)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, sk)
}

func (s *Server) getSenderKey(ctx *fasthttp.RequestCtx) {
	a, ok := senderAddress(ctx)
	if !ok {
		return
	}
	c, cancel := s.op()
	defer cancel()
	sk, err := s.svc.Groups.Get(c, a)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, sk)
}

func (s *Server) revokeSenderKey(ctx *fasthttp.RequestCtx) {
	a, ok := senderAddress(ctx)
	if !ok {
		return
	}
	c, cancel := s.op()
	defer cancel()
	if err := s.svc.Groups.Revoke(c, a); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
