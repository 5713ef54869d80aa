package router

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON writes data with the given status.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, data any) {
	ctx.SetStatusCode(status)
	ctx.Response.Header.Set("Content-Type", "application/json")
	_ = json.NewEncoder(ctx).Encode(data)
}

// WriteJSONError writes an ErrorBody.
func WriteJSONError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	WriteJSON(ctx, status, ErrorBody{Error: message, Code: code})
}

// DecodeJSON parses the request body into v.
func DecodeJSON(ctx *fasthttp.RequestCtx, v any) error {
	return json.Unmarshal(ctx.PostBody(), v)
}

// Param returns a path parameter.
func Param(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

// Uint32Param parses a positive numeric path parameter.
func Uint32Param(ctx *fasthttp.RequestCtx, name string) (uint32, bool) {
	v, err := strconv.ParseUint(Param(ctx, name), 10, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint32(v), true
}

// Route returns the matched route pattern, or "unmatched".
func Route(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue(RouteKey).(string); ok {
		return v
	}
	return "unmatched"
}
