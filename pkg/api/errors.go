package api

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"keyrelay/pkg/api/router"
	"keyrelay/pkg/errs"
	"keyrelay/pkg/logger"
)

// statusOf maps an operation error to an HTTP status and error code.
func statusOf(err error) (int, string) {
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		return fasthttp.StatusNotFound, string(errs.CodeNotFound)
	case errs.CodeConflict:
		return fasthttp.StatusConflict, string(errs.CodeConflict)
	case errs.CodeValidation:
		return fasthttp.StatusBadRequest, string(errs.CodeValidation)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fasthttp.StatusServiceUnavailable, "UNAVAILABLE"
	}
	return fasthttp.StatusInternalServerError, "INTERNAL"
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == fasthttp.StatusInternalServerError {
		logger.Error("request_failed", "route", router.Route(ctx), "error", err)
		msg = "internal error"
	}
	router.WriteJSONError(ctx, status, code, msg)
}

func badRequest(ctx *fasthttp.RequestCtx, msg string) {
	router.WriteJSONError(ctx, fasthttp.StatusBadRequest, string(errs.CodeValidation), msg)
}
