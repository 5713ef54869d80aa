package store

import (
	"fmt"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
)

// GetPreKey returns one one-time prekey.
func (s *Store) GetPreKey(user string, device, keyID uint32) (*models.OneTimePreKey, error) {
	var pk models.OneTimePreKey
	ok, err := s.getJSON(GenPreKeyKey(user, device, keyID), &pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("prekey", fmt.Sprintf("%s/%d/%d", user, device, keyID))
	}
	return &pk, nil
}

// HasPreKey reports whether keyID exists for the device, used or not.
func (s *Store) HasPreKey(user string, device, keyID uint32) (bool, error) {
	return s.has(GenPreKeyKey(user, device, keyID))
}

// ListPreKeys returns all one-time prekeys of a device in key id order.
func (s *Store) ListPreKeys(user string, device uint32) ([]models.OneTimePreKey, error) {
	var out []models.OneTimePreKey
	err := scanJSON(s, GenPreKeyPrefix(user, device), func(pk *models.OneTimePreKey) error {
		out = append(out, *pk)
		return nil
	})
	return out, err
}

// UnusedPreKeys returns up to limit unused prekeys in key id order. Callers
// that mean to claim them must hold the device lock.
func (s *Store) UnusedPreKeys(user string, device uint32, limit int) ([]models.OneTimePreKey, error) {
	var out []models.OneTimePreKey
	err := scanJSON(s, GenPreKeyPrefix(user, device), func(pk *models.OneTimePreKey) error {
		if pk.Used {
			return nil
		}
		out = append(out, *pk)
		if limit > 0 && len(out) >= limit {
			return ErrStopScan
		}
		return nil
	})
	return out, err
}

// CountUnusedPreKeys counts unused prekeys of a device.
func (s *Store) CountUnusedPreKeys(user string, device uint32) (int, error) {
	n := 0
	err := scanJSON(s, GenPreKeyPrefix(user, device), func(pk *models.OneTimePreKey) error {
		if !pk.Used {
			n++
		}
		return nil
	})
	return n, err
}

// ScanPreKeys visits every one-time prekey in the store.
func (s *Store) ScanPreKeys(fn func(*models.OneTimePreKey) error) error {
	return scanJSON(s, "otk:", fn)
}

func (b *Batch) PutPreKey(pk *models.OneTimePreKey) error {
	return b.setJSON(GenPreKeyKey(pk.UserID, pk.DeviceID, pk.KeyID), pk)
}

func (b *Batch) DeletePreKey(user string, device, keyID uint32) error {
	return b.del(GenPreKeyKey(user, device, keyID))
}
