package identity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
)

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t, nil)
	src.enroll(t, "u", 1)
	src.enroll(t, "u", 2)

	_, err := src.prekeys.ClaimBundle(ctx, "u", 1, 2)
	require.NoError(t, err)
	_, err = src.sessions.Put(ctx, models.SessionKey{LocalUserID: "u", RemoteUserID: "p", DeviceID: 1}, []byte("state"))
	require.NoError(t, err)
	_, err = src.sessions.Put(ctx, models.SessionKey{LocalUserID: "p", RemoteUserID: "u", DeviceID: 1}, []byte("theirs"))
	require.NoError(t, err)
	_, err = src.groups.Distribute(ctx, models.SenderKeyAddress{GroupID: "g", SenderID: "u", DeviceID: 2}, []byte("sk"), false)
	require.NoError(t, err)

	blob, err := src.ids.ExportKeyMaterial(ctx, "u", "")
	require.NoError(t, err)

	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(blob, &snap))
	assert.Len(t, snap.Identities, 2)
	assert.Len(t, snap.PreKeys, 10)
	assert.Len(t, snap.SignedPreKeys, 2)
	assert.Len(t, snap.Sessions, 1, "only sessions the user holds")
	assert.Len(t, snap.SenderKeys, 1)

	dst := newFixture(t, nil)
	_, err = dst.ids.ImportKeyMaterial(ctx, "u", blob, "")
	require.NoError(t, err)

	n, err := dst.prekeys.Count(ctx, "u", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "claimed prekeys stay claimed")

	st, err := dst.sessions.Get(ctx, models.SessionKey{LocalUserID: "u", RemoteUserID: "p", DeviceID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version)
	v, err := dst.sessions.CompareAndPut(ctx, st.SessionKey, []byte("next"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	again, err := dst.ids.Export(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, snap.Identities, again.Identities)
	assert.Equal(t, snap.SignedPreKeys, again.SignedPreKeys)

	_, err = dst.ids.ImportKeyMaterial(ctx, "u", blob, "")
	assert.True(t, errs.IsConflict(err))
}

func TestSealedExport(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t, nil)
	src.enroll(t, "u", 1)

	blob, err := src.ids.ExportKeyMaterial(ctx, "u", "correct horse")
	require.NoError(t, err)
	assert.True(t, IsSealed(blob))
	assert.NotContains(t, string(blob), "identity_key")

	dst := newFixture(t, nil)
	_, err = dst.ids.ImportKeyMaterial(ctx, "u", blob, "")
	assert.True(t, errs.IsValidation(err))
	_, err = dst.ids.ImportKeyMaterial(ctx, "u", blob, "wrong")
	assert.True(t, errs.IsValidation(err))

	snap, err := dst.ids.ImportKeyMaterial(ctx, "u", blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "u", snap.UserID)
}

func TestImportRejectsForeignSnapshot(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t, nil)
	src.enroll(t, "u", 1)
	blob, err := src.ids.ExportKeyMaterial(ctx, "u", "")
	require.NoError(t, err)

	dst := newFixture(t, nil)
	_, err = dst.ids.ImportKeyMaterial(ctx, "v", blob, "")
	assert.True(t, errs.IsValidation(err))

	_, err = dst.ids.ImportKeyMaterial(ctx, "u", []byte(`{"v":99}`), "")
	assert.True(t, errs.IsValidation(err))

	_, err = dst.ids.Export(ctx, "u")
	assert.True(t, errs.IsNotFound(err))
}

func TestImportRejectsForgedKeyMaterial(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t, nil)
	src.enroll(t, "u", 1)
	mallory := src.enroll(t, "mallory", 1)

	base, err := src.ids.Export(ctx, "u")
	require.NoError(t, err)
	forged := mallory.SignedPreKey(t, 7)

	cases := map[string]func(s *models.Snapshot){
		"foreign signed prekey": func(s *models.Snapshot) {
			s.SignedPreKeys[0].PublicKey = forged.PublicKey
			s.SignedPreKeys[0].Signature = forged.Signature
		},
		"all-zero prekey": func(s *models.Snapshot) {
			s.PreKeys[0].PublicKey = make([]byte, 32)
		},
		"orphan prekey": func(s *models.Snapshot) {
			pk := s.PreKeys[0]
			pk.DeviceID, pk.KeyID = 9, 900
			s.PreKeys = append(s.PreKeys, pk)
		},
		"orphan signed prekey": func(s *models.Snapshot) {
			spk := s.SignedPreKeys[0]
			spk.DeviceID = 9
			s.SignedPreKeys = append(s.SignedPreKeys, spk)
		},
		"duplicate device": func(s *models.Snapshot) {
			s.Identities = append(s.Identities, s.Identities[0])
		},
	}
	for name, tamper := range cases {
		t.Run(name, func(t *testing.T) {
			raw, err := json.Marshal(base)
			require.NoError(t, err)
			var snap models.Snapshot
			require.NoError(t, json.Unmarshal(raw, &snap))
			tamper(&snap)
			blob, err := json.Marshal(&snap)
			require.NoError(t, err)

			dst := newFixture(t, nil)
			_, err = dst.ids.ImportKeyMaterial(ctx, "u", blob, "")
			assert.True(t, errs.IsValidation(err), "got %v", err)

			_, err = dst.ids.Export(ctx, "u")
			assert.True(t, errs.IsNotFound(err), "nothing written")
		})
	}
}

func TestSealOpen(t *testing.T) {
	blob, err := Seal("pw", []byte("hello"))
	require.NoError(t, err)
	pt, err := Open("pw", blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	_, err = Seal("", []byte("x"))
	assert.True(t, errs.IsValidation(err))
	assert.False(t, IsSealed([]byte(`{"v":1}`)))
}
