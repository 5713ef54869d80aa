package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/pkg/custody"
	"keyrelay/pkg/errs"
	"keyrelay/pkg/groupkeys"
	"keyrelay/pkg/keys"
	"keyrelay/pkg/models"
	"keyrelay/pkg/prekeys"
	"keyrelay/pkg/sessions"
	"keyrelay/pkg/signedprekeys"
	"keyrelay/pkg/store"
	"keyrelay/pkg/testutil"
)

type fixture struct {
	store    *store.Store
	ids      *Manager
	prekeys  *prekeys.Allocator
	signed   *signedprekeys.Rotator
	sessions *sessions.Registry
	groups   *groupkeys.Distributor
}

func newFixture(t *testing.T, policy custody.Policy) *fixture {
	t.Helper()
	s := testutil.OpenStore(t)
	clk := testutil.Clock()
	return &fixture{
		store:    s,
		ids:      New(s, Options{Clock: clk, Custody: policy}),
		prekeys:  prekeys.New(s, prekeys.Options{Clock: clk}),
		signed:   signedprekeys.New(s, signedprekeys.Options{Clock: clk, Custody: policy}),
		sessions: sessions.New(s, clk),
		groups:   groupkeys.New(s, clk),
	}
}

func serverHeld(t *testing.T) custody.Policy {
	t.Helper()
	p, err := custody.NewServerHeld(context.Background(), bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return p
}

// enroll registers an identity, five prekeys and a signed prekey.
func (f *fixture) enroll(t *testing.T, user string, device uint32) *testutil.Device {
	t.Helper()
	ctx := context.Background()
	d := testutil.NewDevice(t, user, device)
	_, err := f.ids.RegisterIdentity(ctx, d.Registration())
	require.NoError(t, err)
	require.NoError(t, f.prekeys.RegisterBatch(ctx, user, device, d.PreKeys(t, 1, 5)))
	spk := d.SignedPreKey(t, 1)
	_, err = f.signed.Rotate(ctx, user, device, models.SignedPreKeyUpload{KeyID: 1, PublicKey: spk.PublicKey, Signature: spk.Signature})
	require.NoError(t, err)
	return d
}

func TestRegisterIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := testutil.NewDevice(t, "alice", 1)

	id, err := f.ids.RegisterIdentity(ctx, d.Registration())
	require.NoError(t, err)
	assert.Equal(t, []byte(d.Public), id.IdentityKey)
	assert.NotZero(t, id.RegistrationID)
	assert.LessOrEqual(t, id.RegistrationID, uint32(16380))
	assert.Empty(t, id.PrivateKeyHandle)
	assert.Zero(t, id.Generation)

	_, err = f.ids.RegisterIdentity(ctx, d.Registration())
	assert.True(t, errs.IsConflict(err))

	reg := testutil.NewDevice(t, "alice", 2).Registration()
	reg.PrivateKey = bytes.Repeat([]byte{1}, ed25519.PrivateKeySize)
	_, err = f.ids.RegisterIdentity(ctx, reg)
	assert.True(t, errs.IsValidation(err), "client-held custody refuses private keys")

	_, err = f.ids.RegisterIdentity(ctx, models.IdentityRegistration{UserID: "alice", DeviceID: 3, IdentityKey: []byte("short")})
	assert.True(t, errs.IsValidation(err))

	_, err = f.ids.RegisterIdentity(ctx, models.IdentityRegistration{UserID: "alice", DeviceID: 3})
	assert.True(t, errs.IsValidation(err))
}

func TestRegisterIdentityServerHeldGeneratesKeys(t *testing.T) {
	ctx := context.Background()
	policy := serverHeld(t)
	f := newFixture(t, policy)

	id, err := f.ids.RegisterIdentity(ctx, models.IdentityRegistration{UserID: "alice", DeviceID: 1, RegistrationID: 77})
	require.NoError(t, err)
	assert.Equal(t, uint32(77), id.RegistrationID)
	require.NotEmpty(t, id.PrivateKeyHandle)

	require.NoError(t, policy.Use(ctx, id.PrivateKeyHandle, func(priv []byte) error {
		assert.Equal(t, []byte(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)), id.IdentityKey)
		return nil
	}))
}

func TestRotateServerGeneratesSignedPreKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, serverHeld(t))

	id, err := f.ids.RegisterIdentity(ctx, models.IdentityRegistration{UserID: "alice", DeviceID: 1})
	require.NoError(t, err)

	spk, err := f.signed.Rotate(ctx, "alice", 1, models.SignedPreKeyUpload{KeyID: 4})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), spk.KeyID)
	assert.NotEmpty(t, spk.PrivateKeyHandle)
	assert.NoError(t, keys.CheckSignedPreKey(id.IdentityKey, spk.PublicKey, spk.Signature))

	b, err := f.prekeys.ClaimBundle(ctx, "alice", 1, 1)
	require.True(t, errs.IsExhaustion(err))
	assert.Equal(t, spk.PublicKey, b.SignedPreKey.PublicKey)

	// a device that registered only its public key has nothing to sign with
	d := testutil.NewDevice(t, "alice", 2)
	_, err = f.ids.RegisterIdentity(ctx, d.Registration())
	require.NoError(t, err)
	_, err = f.signed.Rotate(ctx, "alice", 2, models.SignedPreKeyUpload{KeyID: 1})
	assert.True(t, errs.IsValidation(err))
}

// Two concurrent claims get distinct prekeys, a third gets one of the
// rest, and the sixth degrades to a signed-prekey-only bundle.
func TestClaimScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.enroll(t, "u", 1)

	var wg sync.WaitGroup
	first := make([]*models.Bundle, 2)
	for i := range first {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := f.prekeys.ClaimBundle(ctx, "u", 1, 1)
			assert.NoError(t, err)
			first[i] = b
		}(i)
	}
	wg.Wait()
	require.NotNil(t, first[0])
	require.NotNil(t, first[1])
	used := map[uint32]bool{first[0].PreKeys[0].KeyID: true, first[1].PreKeys[0].KeyID: true}
	assert.Len(t, used, 2)

	third, err := f.prekeys.ClaimBundle(ctx, "u", 1, 1)
	require.NoError(t, err)
	assert.False(t, used[third.PreKeys[0].KeyID])
	assert.Contains(t, []uint32{1, 2, 3, 4, 5}, third.PreKeys[0].KeyID)

	for i := 0; i < 2; i++ {
		_, err := f.prekeys.ClaimBundle(ctx, "u", 1, 1)
		require.NoError(t, err)
	}
	sixth, err := f.prekeys.ClaimBundle(ctx, "u", 1, 1)
	assert.True(t, errs.IsExhaustion(err))
	require.NotNil(t, sixth)
	assert.Empty(t, sixth.PreKeys)
	assert.Equal(t, []byte(d.Public), sixth.IdentityKey)
	assert.Equal(t, uint32(1), sixth.SignedPreKey.KeyID)
	assert.True(t, keys.VerifySignature(sixth.IdentityKey, sixth.SignedPreKey.PublicKey, sixth.SignedPreKey.Signature))
}

func TestResetCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	old := f.enroll(t, "u", 1)
	f.enroll(t, "p", 1)

	_, err := f.sessions.Put(ctx, models.SessionKey{LocalUserID: "p", RemoteUserID: "u", DeviceID: 1}, []byte("p->u"))
	require.NoError(t, err)
	_, err = f.sessions.Put(ctx, models.SessionKey{LocalUserID: "u", RemoteUserID: "p", DeviceID: 1}, []byte("u->p"))
	require.NoError(t, err)
	_, err = f.sessions.Put(ctx, models.SessionKey{LocalUserID: "p", RemoteUserID: "q", DeviceID: 1}, []byte("p->q"))
	require.NoError(t, err)
	_, err = f.groups.Distribute(ctx, models.SenderKeyAddress{GroupID: "g", SenderID: "u", DeviceID: 1}, []byte("sk"), false)
	require.NoError(t, err)
	_, err = f.groups.Distribute(ctx, models.SenderKeyAddress{GroupID: "g", SenderID: "p", DeviceID: 1}, []byte("sk"), false)
	require.NoError(t, err)

	_, err = f.ids.ResetIdentity(ctx, "u", nil)
	assert.True(t, errs.IsValidation(err), "client-held reset needs replacement keys")

	fresh := testutil.NewDevice(t, "u", 1)
	res, err := f.ids.ResetIdentity(ctx, "u", []models.IdentityRegistration{fresh.Registration()})
	require.NoError(t, err)
	require.Len(t, res.Identities, 1)
	assert.Equal(t, uint32(1), res.Identities[0].Generation)
	assert.Equal(t, models.Tombstone{
		ID:            res.Tombstone.ID,
		UserID:        "u",
		Devices:       []uint32{1},
		Generation:    1,
		PreKeys:       5,
		SignedPreKeys: 1,
		Sessions:      2,
		SenderKeys:    1,
		TS:            testutil.Epoch.UnixNano(),
	}, res.Tombstone)

	_, err = f.sessions.Get(ctx, models.SessionKey{LocalUserID: "p", RemoteUserID: "u", DeviceID: 1})
	assert.True(t, errs.IsNotFound(err))
	_, err = f.sessions.Get(ctx, models.SessionKey{LocalUserID: "p", RemoteUserID: "q", DeviceID: 1})
	assert.NoError(t, err, "unrelated sessions survive")
	_, err = f.groups.Get(ctx, models.SenderKeyAddress{GroupID: "g", SenderID: "u", DeviceID: 1})
	assert.True(t, errs.IsNotFound(err))
	_, err = f.groups.Get(ctx, models.SenderKeyAddress{GroupID: "g", SenderID: "p", DeviceID: 1})
	assert.NoError(t, err)

	// no signed prekey until the device rotates one in
	_, err = f.prekeys.ClaimBundle(ctx, "u", 1, 1)
	assert.True(t, errs.IsNotFound(err))

	spk := fresh.SignedPreKey(t, 1)
	_, err = f.signed.Rotate(ctx, "u", 1, models.SignedPreKeyUpload{KeyID: 1, PublicKey: spk.PublicKey, Signature: spk.Signature})
	require.NoError(t, err, "old signed prekey ids are free after reset")
	b, err := f.prekeys.ClaimBundle(ctx, "u", 1, 1)
	require.True(t, errs.IsExhaustion(err))
	assert.Equal(t, []byte(fresh.Public), b.IdentityKey)
	assert.NotEqual(t, []byte(old.Public), b.IdentityKey)

	hist, err := f.store.ListIdentityHistory("u")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, []byte(old.Public), hist[0].IdentityKey)
	assert.Equal(t, testutil.Epoch.UnixNano(), hist[0].RetiredTS)

	tombs, err := f.ids.Tombstones(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, tombs, 1)

	// prekeys signed by the old identity are refused
	err = f.prekeys.RegisterBatch(ctx, "u", 1, old.PreKeys(t, 1, 1))
	assert.True(t, errs.IsValidation(err))
	require.NoError(t, f.prekeys.RegisterBatch(ctx, "u", 1, fresh.PreKeys(t, 1, 1)))
}

func TestResetServerHeldIsClaimableImmediately(t *testing.T) {
	ctx := context.Background()
	policy := serverHeld(t)
	f := newFixture(t, policy)

	before, err := f.ids.RegisterIdentity(ctx, models.IdentityRegistration{UserID: "u", DeviceID: 1})
	require.NoError(t, err)

	res, err := f.ids.ResetIdentity(ctx, "u", nil)
	require.NoError(t, err)
	require.Len(t, res.SignedKeys, 1)

	b, err := f.prekeys.ClaimBundle(ctx, "u", 1, 1)
	require.True(t, errs.IsExhaustion(err))
	assert.NotEqual(t, before.IdentityKey, b.IdentityKey)
	assert.True(t, keys.VerifySignature(b.IdentityKey, b.SignedPreKey.PublicKey, b.SignedPreKey.Signature))
	assert.Equal(t, uint32(1), b.SignedPreKey.KeyID)
}

func TestResetValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.enroll(t, "u", 1)

	_, err := f.ids.ResetIdentity(ctx, "nobody", nil)
	assert.True(t, errs.IsNotFound(err))

	stranger := testutil.NewDevice(t, "u", 9)
	_, err = f.ids.ResetIdentity(ctx, "u", []models.IdentityRegistration{stranger.Registration()})
	assert.True(t, errs.IsValidation(err))

	fresh := testutil.NewDevice(t, "u", 1)
	_, err = f.ids.ResetIdentity(ctx, "u", []models.IdentityRegistration{fresh.Registration(), fresh.Registration()})
	assert.True(t, errs.IsValidation(err))
}
