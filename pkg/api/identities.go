package api

import (
	"github.com/valyala/fasthttp"

	"keyrelay/pkg/api/router"
	"keyrelay/pkg/models"
)

const passphraseHeader = "X-Export-Passphrase"

// identityView is an identity as served to clients. Private key handles
// never leave the server over the API; only keyrelayctl export keeps them.
type identityView struct {
	UserID         string `json:"user_id"`
	DeviceID       uint32 `json:"device_id"`
	IdentityKey    []byte `json:"identity_key"`
	RegistrationID uint32 `json:"registration_id"`
	Generation     uint32 `json:"generation"`
	CreatedTS      int64  `json:"created_ts"`
}

func viewOf(id models.Identity) identityView {
	return identityView{
		UserID:         id.UserID,
		DeviceID:       id.DeviceID,
		IdentityKey:    id.IdentityKey,
		RegistrationID: id.RegistrationID,
		Generation:     id.Generation,
		CreatedTS:      id.CreatedTS,
	}
}

func viewsOf(ids []models.Identity) []identityView {
	out := make([]identityView, 0, len(ids))
	for _, id := range ids {
		out = append(out, viewOf(id))
	}
	return out
}

func (s *Server) registerIdentity(ctx *fasthttp.RequestCtx) {
	var reg models.IdentityRegistration
	if err := router.DecodeJSON(ctx, &reg); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	c, cancel := s.op()
	defer cancel()
	id, err := s.svc.Identities.RegisterIdentity(c, reg)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusCreated, viewOf(*id))
}

func (s *Server) listDevices(ctx *fasthttp.RequestCtx) {
	c, cancel := s.op()
	defer cancel()
	ids, err := s.svc.Identities.Devices(c, router.Param(ctx, "user"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"devices": viewsOf(ids)})
}

type resetRequest struct {
	Replacements []models.IdentityRegistration `json:"replacements"`
}

type resetResponse struct {
	Tombstone     models.Tombstone            `json:"tombstone"`
	Identities    []identityView              `json:"identities"`
	SignedPreKeys []models.SignedPreKeyPublic `json:"signed_prekeys,omitempty"`
}

func (s *Server) resetIdentity(ctx *fasthttp.RequestCtx) {
	var req resetRequest
	if len(ctx.PostBody()) > 0 {
		if err := router.DecodeJSON(ctx, &req); err != nil {
			badRequest(ctx, "invalid JSON body")
			return
		}
	}
	c, cancel := s.op()
	defer cancel()
	res, err := s.svc.Identities.ResetIdentity(c, router.Param(ctx, "user"), req.Replacements)
	if err != nil {
		writeError(ctx, err)
		return
	}
	resp := resetResponse{Tombstone: res.Tombstone, Identities: viewsOf(res.Identities)}
	for i := range res.SignedKeys {
		resp.SignedPreKeys = append(resp.SignedPreKeys, res.SignedKeys[i].Public())
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, resp)
}

// exportKeyMaterial returns the user's snapshot, sealed when the request
// carries a passphrase header.
func (s *Server) exportKeyMaterial(ctx *fasthttp.RequestCtx) {
	c, cancel := s.op()
	defer cancel()
	passphrase := string(ctx.Request.Header.Peek(passphraseHeader))
	blob, err := s.svc.Identities.ExportPublicKeyMaterial(c, router.Param(ctx, "user"), passphrase)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.Header.Set("Content-Type", "application/json")
	ctx.SetBody(blob)
}

func (s *Server) importKeyMaterial(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if len(body) == 0 {
		badRequest(ctx, "snapshot body required")
		return
	}
	c, cancel := s.op()
	defer cancel()
	passphrase := string(ctx.Request.Header.Peek(passphraseHeader))
	snap, err := s.svc.Identities.ImportKeyMaterial(c, router.Param(ctx, "user"), body, passphrase)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusCreated, map[string]int{
		"identities":     len(snap.Identities),
		"prekeys":        len(snap.PreKeys),
		"signed_prekeys": len(snap.SignedPreKeys),
		"sessions":       len(snap.Sessions),
		"sender_keys":    len(snap.SenderKeys),
	})
}
