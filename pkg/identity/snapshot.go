package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/keys"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

// Export collects all of a user's key material: identities, one-time
// prekeys used or not, signed prekeys, the sessions the user holds and the
// user's sender keys.
func (m *Manager) Export(ctx context.Context, userID string) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errs.Invalid("user_id", "required")
	}
	release := m.store.Locks().Lock(store.UserLockKey(userID))
	defer release()

	ids, err := m.store.ListIdentities(userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errs.NotFound("identity", userID)
	}
	snap := &models.Snapshot{
		Version:    models.SnapshotVersion,
		UserID:     userID,
		ExportedTS: m.clock.Now().UnixNano(),
		Identities: ids,
	}
	for _, id := range ids {
		pks, err := m.store.ListPreKeys(userID, id.DeviceID)
		if err != nil {
			return nil, err
		}
		snap.PreKeys = append(snap.PreKeys, pks...)
		spks, err := m.store.ListSignedPreKeys(userID, id.DeviceID)
		if err != nil {
			return nil, err
		}
		snap.SignedPreKeys = append(snap.SignedPreKeys, spks...)
	}
	if snap.Sessions, err = m.store.ListSessions(userID); err != nil {
		return nil, err
	}
	addrs, err := m.store.SenderKeysOf(userID)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		sk, err := m.store.GetSenderKey(a)
		if err != nil {
			return nil, err
		}
		snap.SenderKeys = append(snap.SenderKeys, *sk)
	}
	return snap, nil
}

// ExportKeyMaterial encodes Export as JSON, sealed when passphrase is set.
// The snapshot keeps server-held private key handles.
func (m *Manager) ExportKeyMaterial(ctx context.Context, userID, passphrase string) ([]byte, error) {
	snap, err := m.Export(ctx, userID)
	if err != nil {
		return nil, err
	}
	return encodeSnapshot(snap, passphrase, true)
}

// ExportPublicKeyMaterial is ExportKeyMaterial with every private key
// handle stripped.
func (m *Manager) ExportPublicKeyMaterial(ctx context.Context, userID, passphrase string) ([]byte, error) {
	snap, err := m.Export(ctx, userID)
	if err != nil {
		return nil, err
	}
	StripHandles(snap)
	return encodeSnapshot(snap, passphrase, false)
}

// StripHandles clears the private key handles in snap.
func StripHandles(snap *models.Snapshot) {
	for i := range snap.Identities {
		snap.Identities[i].PrivateKeyHandle = nil
	}
	for i := range snap.SignedPreKeys {
		snap.SignedPreKeys[i].PrivateKeyHandle = nil
	}
}

func encodeSnapshot(snap *models.Snapshot, passphrase string, handles bool) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	logger.AuditEvent("key_material_exported",
		"user", snap.UserID,
		"devices", len(snap.Identities),
		"sealed", passphrase != "",
		"handles", handles,
	)
	if passphrase == "" {
		return raw, nil
	}
	defer zero(raw)
	return Seal(passphrase, raw)
}

// DecodeSnapshot parses an exported blob, opening it first if sealed.
func DecodeSnapshot(blob []byte, passphrase string) (*models.Snapshot, error) {
	if IsSealed(blob) {
		raw, err := Open(passphrase, blob)
		if err != nil {
			return nil, err
		}
		defer zero(raw)
		blob = raw
	}
	var snap models.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, errs.Invalid("snapshot", "malformed: %v", err)
	}
	if snap.Version != models.SnapshotVersion {
		return nil, errs.Invalid("snapshot", "unsupported version %d", snap.Version)
	}
	return &snap, nil
}

func checkOwner(snap *models.Snapshot, userID string) error {
	bad := func(kind string) error {
		return errs.Invalid("snapshot", "%s record belongs to another user", kind)
	}
	if snap.UserID != userID {
		return errs.Invalid("snapshot", "exported for %q, not %q", snap.UserID, userID)
	}
	if len(snap.Identities) == 0 {
		return errs.Invalid("snapshot", "no identities")
	}
	identityKeys := make(map[uint32][]byte, len(snap.Identities))
	for _, id := range snap.Identities {
		if id.UserID != userID {
			return bad("identity")
		}
		if err := models.ValidateDevice(id.UserID, id.DeviceID); err != nil {
			return err
		}
		if err := keys.ValidateIdentityKey(id.IdentityKey); err != nil {
			return err
		}
		if _, dup := identityKeys[id.DeviceID]; dup {
			return errs.Invalid("snapshot", "device %d has more than one identity", id.DeviceID)
		}
		identityKeys[id.DeviceID] = id.IdentityKey
	}
	owner := func(kind string, deviceID uint32) ([]byte, error) {
		ik, ok := identityKeys[deviceID]
		if !ok {
			return nil, errs.Invalid("snapshot", "%s for device %d has no identity", kind, deviceID)
		}
		return ik, nil
	}
	seenPreKeys := make(map[[2]uint32]struct{}, len(snap.PreKeys))
	for i, pk := range snap.PreKeys {
		if pk.UserID != userID {
			return bad("prekey")
		}
		ik, err := owner("prekey", pk.DeviceID)
		if err != nil {
			return err
		}
		id := [2]uint32{pk.DeviceID, pk.KeyID}
		if _, dup := seenPreKeys[id]; dup {
			return errs.Invalid("snapshot", "prekey %d/%d repeated", pk.DeviceID, pk.KeyID)
		}
		seenPreKeys[id] = struct{}{}
		if err := keys.ValidatePreKey(fmt.Sprintf("prekeys[%d].public_key", i), pk.PublicKey); err != nil {
			return err
		}
		if len(pk.Signature) > 0 && !keys.VerifySignature(ik, pk.PublicKey, pk.Signature) {
			return errs.Invalid(fmt.Sprintf("prekeys[%d].signature", i), "does not verify against identity key")
		}
	}
	for _, spk := range snap.SignedPreKeys {
		if spk.UserID != userID {
			return bad("signed prekey")
		}
		ik, err := owner("signed prekey", spk.DeviceID)
		if err != nil {
			return err
		}
		if err := keys.CheckSignedPreKey(ik, spk.PublicKey, spk.Signature); err != nil {
			return err
		}
	}
	for _, st := range snap.Sessions {
		if st.LocalUserID != userID {
			return bad("session")
		}
	}
	for _, sk := range snap.SenderKeys {
		if sk.SenderID != userID {
			return bad("sender key")
		}
	}
	return nil
}

// Import restores a snapshot verbatim. The user must not have any identity
// yet, and none of the snapshot's sessions or sender keys may exist.
func (m *Manager) Import(ctx context.Context, userID string, snap *models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkOwner(snap, userID); err != nil {
		return err
	}
	release := m.store.Locks().Lock(store.UserLockKey(userID))
	defer release()

	existing, err := m.store.ListIdentities(userID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return errs.Conflict("identity", userID, "user already has identities; reset or remove them before import")
	}

	lockKeys := make([]string, 0, len(snap.Identities)+len(snap.Sessions)+len(snap.SenderKeys))
	for _, id := range snap.Identities {
		lockKeys = append(lockKeys, store.DeviceLockKey(userID, id.DeviceID))
	}
	for _, st := range snap.Sessions {
		lockKeys = append(lockKeys, store.SessionLockKey(st.SessionKey))
	}
	for _, sk := range snap.SenderKeys {
		lockKeys = append(lockKeys, store.SenderKeyLockKey(sk.SenderKeyAddress))
	}
	releaseAll := m.store.Locks().LockAll(lockKeys)
	defer releaseAll()

	b := m.store.NewBatch()
	defer b.Discard()
	for i := range snap.Identities {
		if err := b.PutIdentity(&snap.Identities[i]); err != nil {
			return err
		}
	}
	for i := range snap.PreKeys {
		if err := b.PutPreKey(&snap.PreKeys[i]); err != nil {
			return err
		}
	}
	for i := range snap.SignedPreKeys {
		if err := b.PutSignedPreKey(&snap.SignedPreKeys[i]); err != nil {
			return err
		}
	}
	for i := range snap.Sessions {
		st := &snap.Sessions[i]
		if _, err := m.store.GetSession(st.SessionKey); err == nil {
			return errs.Conflict("session", fmt.Sprintf("%s/%s/%d", st.LocalUserID, st.RemoteUserID, st.DeviceID), "")
		} else if !errs.IsNotFound(err) {
			return err
		}
		if err := b.PutSession(st); err != nil {
			return err
		}
	}
	for i := range snap.SenderKeys {
		sk := &snap.SenderKeys[i]
		if _, err := m.store.GetSenderKey(sk.SenderKeyAddress); err == nil {
			return errs.Conflict("sender key", fmt.Sprintf("%s/%s/%d", sk.GroupID, sk.SenderID, sk.DeviceID), "")
		} else if !errs.IsNotFound(err) {
			return err
		}
		if err := b.PutSenderKey(sk); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("import key material: %w", err)
	}
	logger.AuditEvent("key_material_imported",
		"user", userID,
		"devices", len(snap.Identities),
		"prekeys", len(snap.PreKeys),
		"signed_prekeys", len(snap.SignedPreKeys),
		"sessions", len(snap.Sessions),
		"sender_keys", len(snap.SenderKeys),
	)
	return nil
}

// ImportKeyMaterial decodes blob and imports it for userID.
func (m *Manager) ImportKeyMaterial(ctx context.Context, userID string, blob []byte, passphrase string) (*models.Snapshot, error) {
	snap, err := DecodeSnapshot(blob, passphrase)
	if err != nil {
		return nil, err
	}
	if err := m.Import(ctx, userID, snap); err != nil {
		return nil, err
	}
	return snap, nil
}
