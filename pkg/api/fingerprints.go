package api

import (
	"github.com/valyala/fasthttp"

	"keyrelay/pkg/api/router"
	"keyrelay/pkg/fingerprint"
)

// fingerprintRequest names two stored users, or carries two raw identity
// keys when the users are omitted.
type fingerprintRequest struct {
	UserID       string `json:"user_id,omitempty"`
	RemoteUserID string `json:"remote_user_id,omitempty"`
	KeyA         []byte `json:"key_a,omitempty"`
	KeyB         []byte `json:"key_b,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
}

func (r *fingerprintRequest) byUser() bool {
	return r.UserID != "" || r.RemoteUserID != ""
}

func (s *Server) fingerprintOf(req *fingerprintRequest) (string, error) {
	if !req.byUser() {
		return fingerprint.Compute(req.KeyA, req.KeyB)
	}
	c, cancel := s.op()
	defer cancel()
	return s.svc.Fingerprints.ComputeForUsers(c, req.UserID, req.RemoteUserID)
}

func (s *Server) computeFingerprint(ctx *fasthttp.RequestCtx) {
	var req fingerprintRequest
	if err := router.DecodeJSON(ctx, &req); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	fp, err := s.fingerprintOf(&req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{
		"fingerprint": fp,
		"display":     fingerprint.Format(fp),
	})
}

func (s *Server) verifyFingerprint(ctx *fasthttp.RequestCtx) {
	var req fingerprintRequest
	if err := router.DecodeJSON(ctx, &req); err != nil {
		badRequest(ctx, "invalid JSON body")
		return
	}
	if req.Fingerprint == "" {
		badRequest(ctx, "fingerprint required")
		return
	}
	var (
		match bool
		err   error
	)
	if req.byUser() {
		c, cancel := s.op()
		defer cancel()
		match, err = s.svc.Fingerprints.Verify(c, req.UserID, req.RemoteUserID, req.Fingerprint)
	} else {
		var fp string
		fp, err = fingerprint.Compute(req.KeyA, req.KeyB)
		match = err == nil && fingerprint.Matches(fp, req.Fingerprint)
	}
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]bool{"match": match})
}
