// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keyrelay/pkg/keys"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

// Epoch is the start time of every ManualClock handed out here.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// OpenStore opens a throwaway store closed at test end.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Clock() *models.ManualClock { return models.NewManualClock(Epoch) }

// Device is a client device with its identity private key, able to sign
// prekeys the way a real client would.
type Device struct {
	UserID   string
	DeviceID uint32
	Public   ed25519.PublicKey
	Private  ed25519.PrivateKey
}

// NewDevice generates identity keys without touching any store.
func NewDevice(t testing.TB, user string, device uint32) *Device {
	t.Helper()
	pub, priv, err := keys.GenerateIdentity()
	require.NoError(t, err)
	return &Device{UserID: user, DeviceID: device, Public: pub, Private: priv}
}

// RegisterDevice writes the identity record straight into s.
func RegisterDevice(t testing.TB, s *store.Store, user string, device uint32) *Device {
	t.Helper()
	d := NewDevice(t, user, device)
	b := s.NewBatch()
	require.NoError(t, b.PutIdentity(&models.Identity{
		UserID:         user,
		DeviceID:       device,
		IdentityKey:    d.Public,
		RegistrationID: 42,
		CreatedTS:      Epoch.UnixNano(),
	}))
	require.NoError(t, b.Commit())
	return d
}

// Registration returns the registration request for d.
func (d *Device) Registration() models.IdentityRegistration {
	return models.IdentityRegistration{UserID: d.UserID, DeviceID: d.DeviceID, IdentityKey: d.Public}
}

// SignedPreKey returns a fresh signed prekey with a valid signature.
func (d *Device) SignedPreKey(t testing.TB, keyID uint32) models.SignedPreKey {
	t.Helper()
	_, pub, err := keys.GenerateX25519()
	require.NoError(t, err)
	return models.SignedPreKey{
		UserID:    d.UserID,
		DeviceID:  d.DeviceID,
		KeyID:     keyID,
		PublicKey: pub,
		Signature: keys.Sign(d.Private, pub),
	}
}

// InstallSignedPreKey writes a signed prekey straight into s.
func (d *Device) InstallSignedPreKey(t testing.TB, s *store.Store, keyID uint32, ts time.Time) models.SignedPreKey {
	t.Helper()
	spk := d.SignedPreKey(t, keyID)
	spk.Timestamp = ts.UnixNano()
	b := s.NewBatch()
	require.NoError(t, b.PutSignedPreKey(&spk))
	require.NoError(t, b.Commit())
	return spk
}

// PreKeys returns n signed one-time prekeys with ids from, from+1, ...
func (d *Device) PreKeys(t testing.TB, from uint32, n int) []models.PreKeyUpload {
	t.Helper()
	out := make([]models.PreKeyUpload, 0, n)
	for i := 0; i < n; i++ {
		_, pub, err := keys.GenerateX25519()
		require.NoError(t, err)
		out = append(out, models.PreKeyUpload{KeyID: from + uint32(i), PublicKey: pub, Signature: keys.Sign(d.Private, pub)})
	}
	return out
}
