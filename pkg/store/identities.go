package store

import (
	"fmt"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
)

// GetIdentity returns the current identity of a device.
func (s *Store) GetIdentity(user string, device uint32) (*models.Identity, error) {
	var id models.Identity
	ok, err := s.getJSON(GenIdentityKey(user, device), &id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("identity", fmt.Sprintf("%s/%d", user, device))
	}
	return &id, nil
}

// ListIdentities returns the current identities of all of a user's devices,
// ordered by device id.
func (s *Store) ListIdentities(user string) ([]models.Identity, error) {
	var out []models.Identity
	err := scanJSON(s, GenIdentityPrefix(user), func(id *models.Identity) error {
		out = append(out, *id)
		return nil
	})
	return out, err
}

// ListIdentityHistory returns retired identities of a user.
func (s *Store) ListIdentityHistory(user string) ([]models.Identity, error) {
	var out []models.Identity
	err := scanJSON(s, GenIdentityHistoryPrefix(user), func(id *models.Identity) error {
		out = append(out, *id)
		return nil
	})
	return out, err
}

// PutIdentity writes the current identity of a device.
func (b *Batch) PutIdentity(id *models.Identity) error {
	return b.setJSON(GenIdentityKey(id.UserID, id.DeviceID), id)
}

// RetireIdentity moves id into history. The caller writes the replacement,
// or the current key is removed.
func (b *Batch) RetireIdentity(id *models.Identity, retiredTS int64) error {
	rec := *id
	rec.RetiredTS = retiredTS
	if err := b.setJSON(GenIdentityHistoryKey(id.UserID, id.DeviceID, id.Generation), &rec); err != nil {
		return err
	}
	return b.del(GenIdentityKey(id.UserID, id.DeviceID))
}

// PutIdentityHistory restores a retired identity record verbatim.
func (b *Batch) PutIdentityHistory(id *models.Identity) error {
	return b.setJSON(GenIdentityHistoryKey(id.UserID, id.DeviceID, id.Generation), id)
}

// PutTombstone records a reset for audit.
func (b *Batch) PutTombstone(t *models.Tombstone) error {
	return b.setJSON(GenTombstoneKey(t.UserID, t.ID), t)
}

// ListTombstones returns a user's reset records.
func (s *Store) ListTombstones(user string) ([]models.Tombstone, error) {
	var out []models.Tombstone
	err := scanJSON(s, GenTombstonePrefix(user), func(t *models.Tombstone) error {
		out = append(out, *t)
		return nil
	})
	return out, err
}
