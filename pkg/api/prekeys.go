package api

import (
	"strconv"

	"github.com/valyala/fasthttp"

	"keyrelay/pkg/api/router"
	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
)

// device reads the {user}/{device} path pair, answering 400 itself when
// the device id is not a positive integer.
func device(ctx *fasthttp.RequestCtx) (string, uint32, bool) {
	id, ok := router.Uint32Param(ctx, "device")
	if !ok {
		badRequest(ctx, "device must be a positive integer")
		return "", 0, false
	}
	return router.Param(ctx, "user"), id, true
}

type preKeyBatch struct {
	PreKeys []models.PreKeyUpload `json:"prekeys"`
}

func (s *Server) registerPreKeys(ctx *fasthttp.RequestCtx) {
	user, dev, ok := device(ctx)
	if !ok {
		return
	}
	var req preKeyBatch
	if err := router.DecodeJSON(ctx, &req); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	c, cancel := s.op()
	defer cancel()
	if err := s.svc.PreKeys.RegisterBatch(c, user, dev, req.PreKeys); err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusCreated, map[string]int{"registered": len(req.PreKeys)})
}

func (s *Server) countPreKeys(ctx *fasthttp.RequestCtx) {
	user, dev, ok := device(ctx)
	if !ok {
		return
	}
	c, cancel := s.op()
	defer cancel()
	n, err := s.svc.PreKeys.Count(c, user, dev)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"count": n, "low": n < s.lowWatermark})
}

type claimRequest struct {
	Count int `json:"count"`
}

// claimBundle hands out a bundle. Exhaustion still answers 200 with the
// signed-prekey-only bundle and exhausted set.
func (s *Server) claimBundle(ctx *fasthttp.RequestCtx) {
	user, dev, ok := device(ctx)
	if !ok {
		return
	}
	var req claimRequest
	if len(ctx.PostBody()) > 0 {
		if err := router.DecodeJSON(ctx, &req); err != nil {
			badRequest(ctx, "invalid JSON body")
			return
		}
	}
	if !s.allowClaim(ctx) {
		return
	}
	c, cancel := s.op()
	defer cancel()
	bundle, err := s.svc.PreKeys.ClaimBundle(c, user, dev, req.Count)
	if err != nil && !errs.IsExhaustion(err) {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, bundle)
}

// getSignedPreKey returns the current signed prekey, or the one named by
// the key_id query while it is inside its grace period.
func (s *Server) getSignedPreKey(ctx *fasthttp.RequestCtx) {
	user, dev, ok := device(ctx)
	if !ok {
		return
	}
	c, cancel := s.op()
	defer cancel()

	var (
		spk *models.SignedPreKey
		err error
	)
	if raw := ctx.QueryArgs().Peek("key_id"); len(raw) > 0 {
		keyID, perr := strconv.ParseUint(string(raw), 10, 32)
		if perr != nil {
			badRequest(ctx, "key_id must be an integer")
			return
		}
		spk, err = s.svc.Signed.GetByID(c, user, dev, uint32(keyID))
	} else {
		spk, err = s.svc.Signed.GetCurrent(c, user, dev)
	}
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, spk.Public())
}

func (s *Server) rotateSignedPreKey(ctx *fasthttp.RequestCtx) {
	user, dev, ok := device(ctx)
	if !ok {
		return
	}
	var up models.SignedPreKeyUpload
	if err := router.DecodeJSON(ctx, &up); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	c, cancel := s.op()
	defer cancel()
	spk, err := s.svc.Signed.Rotate(c, user, dev, up)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, spk.Public())
}
