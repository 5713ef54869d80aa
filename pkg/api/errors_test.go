package api

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	"keyrelay/pkg/errs"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{errs.NotFound("identity", "alice"), fasthttp.StatusNotFound, "NOT_FOUND"},
		{errs.Invalid("device_id", "required"), fasthttp.StatusBadRequest, "INVALID_ARGUMENT"},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), fasthttp.StatusServiceUnavailable, "UNAVAILABLE"},
		{errors.New("disk on fire"), fasthttp.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		status, code := statusOf(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestLimiterPool(t *testing.T) {
	p := newLimiterPool("test", 0.001, 2)
	defer p.Shutdown()
	assert.True(t, p.Allow("a"))
	assert.True(t, p.Allow("a"))
	assert.False(t, p.Allow("a"))
	assert.True(t, p.Allow("b"))
	assert.Equal(t, 2, p.Len())

	open := newLimiterPool("open", 0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, open.Allow("x"))
	}
}
