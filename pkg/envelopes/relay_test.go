package envelopes

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/groupkeys"
	"keyrelay/pkg/models"
	"keyrelay/pkg/testutil"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		meta models.EnvelopeMetadata
		ok   bool
	}{
		{"whisper", models.EnvelopeMetadata{CipherType: models.CipherWhisper, DeviceID: 1}, true},
		{"prekey", models.EnvelopeMetadata{CipherType: models.CipherPreKey, DeviceID: 3}, true},
		{"unknown type", models.EnvelopeMetadata{CipherType: "plaintext", DeviceID: 1}, false},
		{"zero device", models.EnvelopeMetadata{CipherType: models.CipherWhisper}, false},
		{"distribution on pairwise", models.EnvelopeMetadata{CipherType: models.CipherWhisper, DeviceID: 1, SenderKeyDistribution: []byte{1}}, false},
		{"group id on pairwise", models.EnvelopeMetadata{CipherType: models.CipherPreKey, DeviceID: 1, GroupID: "g"}, false},
		{"sender key without distribution", models.EnvelopeMetadata{CipherType: models.CipherSenderKey, DeviceID: 1, GroupID: "g", SenderID: "a"}, false},
		{"sender key without group", models.EnvelopeMetadata{CipherType: models.CipherSenderKey, DeviceID: 1, SenderKeyDistribution: []byte{1}}, false},
		{"sender key", models.EnvelopeMetadata{CipherType: models.CipherSenderKey, DeviceID: 1, GroupID: "g", SenderID: "a", SenderKeyDistribution: []byte{1}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.meta)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errs.IsValidation(err), "got %v", err)
			}
		})
	}
}

func TestRecordAssignsIDAndIsImmutable(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), testutil.Clock())

	env, err := r.Record(ctx, models.EnvelopeMetadata{CipherType: models.CipherWhisper, DeviceID: 1}, []byte("ct"))
	require.NoError(t, err)
	_, err = uuid.Parse(env.MessageID)
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.UnixNano(), env.CreatedTS)

	got, err := r.Get(ctx, env.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []byte("ct"), got.Ciphertext)
	assert.Equal(t, models.CipherWhisper, got.CipherType)

	_, err = r.Record(ctx, models.EnvelopeMetadata{MessageID: env.MessageID, CipherType: models.CipherPreKey, DeviceID: 2}, []byte("other"))
	assert.True(t, errs.IsConflict(err))

	got, err = r.Get(ctx, env.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []byte("ct"), got.Ciphertext)
}

func TestGroupEnvelopeNeedsDistributedSenderKey(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t)
	r := New(s, nil)
	meta := models.EnvelopeMetadata{
		MessageID:             "m-1",
		CipherType:            models.CipherSenderKey,
		DeviceID:              1,
		GroupID:               "g1",
		SenderID:              "alice",
		SenderKeyDistribution: []byte("skdm"),
	}

	_, err := r.Record(ctx, meta, []byte("ct"))
	assert.True(t, errs.IsValidation(err))

	_, err = groupkeys.New(s, nil).Distribute(ctx, models.SenderKeyAddress{GroupID: "g1", SenderID: "alice", DeviceID: 1}, []byte("k"), false)
	require.NoError(t, err)

	env, err := r.Record(ctx, meta, []byte("ct"))
	require.NoError(t, err)
	assert.Equal(t, "m-1", env.MessageID)
}

func TestGetMissing(t *testing.T) {
	r := New(testutil.OpenStore(t), nil)
	_, err := r.Get(context.Background(), "nope")
	assert.True(t, errs.IsNotFound(err))
}
