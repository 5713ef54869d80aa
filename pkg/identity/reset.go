package identity

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"keyrelay/pkg/custody"
	"keyrelay/pkg/errs"
	"keyrelay/pkg/keys"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
	"keyrelay/pkg/models"
	"keyrelay/pkg/sessions"
	"keyrelay/pkg/store"
)

// lockRetries bounds how often reset re-collects peer sessions that
// appeared while it was waiting for their locks.
const lockRetries = 5

// ResetResult describes what a reset replaced and removed.
type ResetResult struct {
	Tombstone  models.Tombstone      `json:"tombstone"`
	Identities []models.Identity     `json:"identities"`
	SignedKeys []models.SignedPreKey `json:"signed_prekeys,omitempty"`
}

// ResetIdentity retires every device identity of userID and removes all
// key material that depended on it: one-time and signed prekeys, sessions
// on either side and sender keys. Each device gets a new identity with the
// next generation. The whole cascade is one batch.
//
// Under client-held custody replacements must name a new identity key for
// every device. Under server-held custody devices without a replacement get
// a generated identity and signed prekey.
func (m *Manager) ResetIdentity(ctx context.Context, userID string, replacements []models.IdentityRegistration) (*ResetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errs.Invalid("user_id", "required")
	}

	releaseUser := m.store.Locks().Lock(store.UserLockKey(userID))
	defer releaseUser()

	current, err := m.store.ListIdentities(userID)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, errs.NotFound("identity", userID)
	}
	plan, err := m.planReplacements(userID, current, replacements)
	if err != nil {
		return nil, err
	}

	deviceLocks := make([]string, 0, len(current))
	for _, id := range current {
		deviceLocks = append(deviceLocks, store.DeviceLockKey(userID, id.DeviceID))
	}
	releaseDevices := m.store.Locks().LockAll(deviceLocks)
	defer releaseDevices()

	peers, senderKeys, releasePeers, err := m.lockPeers(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer releasePeers()

	now := m.clock.Now()
	tomb := models.Tombstone{
		ID:       uuid.NewString(),
		UserID:   userID,
		Sessions: len(peers),
		TS:       now.UnixNano(),
	}
	res := &ResetResult{}

	b := m.store.NewBatch()
	defer b.Discard()
	for _, old := range current {
		tomb.Devices = append(tomb.Devices, old.DeviceID)

		pks, err := m.store.ListPreKeys(userID, old.DeviceID)
		if err != nil {
			return nil, err
		}
		for _, pk := range pks {
			if err := b.DeletePreKey(userID, old.DeviceID, pk.KeyID); err != nil {
				return nil, err
			}
		}
		tomb.PreKeys += len(pks)

		spks, err := m.store.ListSignedPreKeys(userID, old.DeviceID)
		if err != nil {
			return nil, err
		}
		for i := range spks {
			if err := b.DeleteSignedPreKey(&spks[i]); err != nil {
				return nil, err
			}
		}
		tomb.SignedPreKeys += len(spks)

		if err := b.RetireIdentity(&old, now.UnixNano()); err != nil {
			return nil, err
		}
		mat := plan[old.DeviceID]
		next, err := m.newIdentity(ctx, userID, old.DeviceID, mat.registrationID, mat.material, old.Generation+1)
		if err != nil {
			return nil, err
		}
		if err := b.PutIdentity(next); err != nil {
			return nil, err
		}
		if next.Generation > tomb.Generation {
			tomb.Generation = next.Generation
		}
		res.Identities = append(res.Identities, *next)

		if len(next.PrivateKeyHandle) > 0 {
			spk, err := m.issueSignedPreKey(ctx, next)
			if err != nil {
				return nil, err
			}
			if err := b.PutSignedPreKey(spk); err != nil {
				return nil, err
			}
			res.SignedKeys = append(res.SignedKeys, *spk)
		}
	}
	for _, k := range peers {
		if err := b.DeleteSession(k); err != nil {
			return nil, err
		}
	}
	for _, a := range senderKeys {
		if err := b.DeleteSenderKey(a); err != nil {
			return nil, err
		}
	}
	tomb.SenderKeys = len(senderKeys)
	if err := b.PutTombstone(&tomb); err != nil {
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("reset identity: %w", err)
	}

	res.Tombstone = tomb
	metrics.IdentityResets.Inc()
	logger.AuditEvent("identity_reset",
		"user", userID,
		"tombstone", tomb.ID,
		"devices", len(tomb.Devices),
		"generation", tomb.Generation,
		"prekeys", tomb.PreKeys,
		"signed_prekeys", tomb.SignedPreKeys,
		"sessions", tomb.Sessions,
		"sender_keys", tomb.SenderKeys,
	)
	return res, nil
}

type replacement struct {
	*material
	registrationID uint32
}

func (m *Manager) planReplacements(userID string, current []models.Identity, regs []models.IdentityRegistration) (map[uint32]replacement, error) {
	known := make(map[uint32]bool, len(current))
	for _, id := range current {
		known[id.DeviceID] = true
	}
	byDevice := make(map[uint32]models.IdentityRegistration, len(regs))
	for _, r := range regs {
		if r.UserID != "" && r.UserID != userID {
			return nil, errs.Invalid("replacements", "replacement for user %q in reset of %q", r.UserID, userID)
		}
		if !known[r.DeviceID] {
			return nil, errs.Invalid("replacements", "device %d has no identity to reset", r.DeviceID)
		}
		if _, dup := byDevice[r.DeviceID]; dup {
			return nil, errs.Invalid("replacements", "device %d listed twice", r.DeviceID)
		}
		byDevice[r.DeviceID] = r
	}

	plan := make(map[uint32]replacement, len(current))
	for _, id := range current {
		reg, ok := byDevice[id.DeviceID]
		if !ok && !m.custody.HoldsPrivateKeys() {
			return nil, errs.Invalid("replacements", "device %d needs a new identity key", id.DeviceID)
		}
		reg.UserID, reg.DeviceID = userID, id.DeviceID
		mat, err := m.resolveKeys(reg)
		if err != nil {
			return nil, err
		}
		plan[id.DeviceID] = replacement{material: mat, registrationID: reg.RegistrationID}
	}
	return plan, nil
}

// lockPeers collects and locks the sessions and sender keys that involve
// userID. Sessions created by peers while the locks were being taken are
// picked up by re-collecting until the set is stable.
func (m *Manager) lockPeers(ctx context.Context, userID string) ([]models.SessionKey, []models.SenderKeyAddress, func(), error) {
	for attempt := 0; attempt < lockRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		peers, senderKeys, err := m.collectPeers(userID)
		if err != nil {
			return nil, nil, nil, err
		}
		lockKeys := peerLockKeys(peers, senderKeys)
		release := m.store.Locks().LockAll(lockKeys)

		again, againSK, err := m.collectPeers(userID)
		if err != nil {
			release()
			return nil, nil, nil, err
		}
		if slices.Equal(lockKeys, peerLockKeys(again, againSK)) {
			return peers, senderKeys, release, nil
		}
		release()
	}
	return nil, nil, nil, errs.Conflict("identity", userID, "sessions keep changing during reset")
}

func (m *Manager) collectPeers(userID string) ([]models.SessionKey, []models.SenderKeyAddress, error) {
	peers, err := sessions.PeerSessions(m.store, userID)
	if err != nil {
		return nil, nil, err
	}
	senderKeys, err := m.store.SenderKeysOf(userID)
	if err != nil {
		return nil, nil, err
	}
	return peers, senderKeys, nil
}

func peerLockKeys(peers []models.SessionKey, senderKeys []models.SenderKeyAddress) []string {
	out := make([]string, 0, len(peers)+len(senderKeys))
	for _, k := range peers {
		out = append(out, store.SessionLockKey(k))
	}
	for _, a := range senderKeys {
		out = append(out, store.SenderKeyLockKey(a))
	}
	sort.Strings(out)
	return out
}

// issueSignedPreKey generates a signed prekey for a server-held identity
// so the device can be claimed right after a reset.
func (m *Manager) issueSignedPreKey(ctx context.Context, id *models.Identity) (*models.SignedPreKey, error) {
	priv, pub, err := keys.GenerateX25519()
	if err != nil {
		return nil, err
	}
	defer zero(priv)
	sig, err := custody.Sign(ctx, m.custody, id.PrivateKeyHandle, pub)
	if err != nil {
		return nil, err
	}
	handle, err := m.custody.Seal(ctx, priv)
	if err != nil {
		return nil, err
	}
	return &models.SignedPreKey{
		UserID:           id.UserID,
		DeviceID:         id.DeviceID,
		KeyID:            id.Generation,
		PublicKey:        pub,
		Signature:        sig,
		Timestamp:        id.CreatedTS,
		PrivateKeyHandle: handle,
	}, nil
}
