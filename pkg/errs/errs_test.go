package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"not found", fmt.Errorf("load: %w", NotFound("identity", "alice/1")), CodeNotFound},
		{"conflict", fmt.Errorf("insert: %w", Conflict("prekey", "alice/1/7", "")), CodeConflict},
		{"validation", Invalid("signature", "does not verify"), CodeValidation},
		{"exhaustion", &ExhaustionError{UserID: "alice", DeviceID: 1, Requested: 1}, CodeExhausted},
		{"internal", fmt.Errorf("disk on fire"), ""},
		{"nil", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CodeOf(tc.err))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "identity not found: bob/2", NotFound("identity", "bob/2").Error())
	assert.Equal(t, "prekey already exists: bob/2/9", Conflict("prekey", "bob/2/9", "").Error())
	assert.Equal(t, "session conflict on a/b/1: version 3 != 4", Conflict("session", "a/b/1", "version 3 != 4").Error())
	assert.Equal(t, "invalid device_id: must be positive", Invalid("device_id", "must be positive").Error())
	assert.Equal(t, "one-time prekeys exhausted for bob/2: requested 3, none left",
		(&ExhaustionError{UserID: "bob", DeviceID: 2, Requested: 3}).Error())
}
