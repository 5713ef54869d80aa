package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
)

// CurrentSignedPreKey returns the signed prekey with the greatest timestamp.
func (s *Store) CurrentSignedPreKey(user string, device uint32) (*models.SignedPreKey, error) {
	_, v, ok, err := s.last(GenSignedPreKeyPrefix(user, device))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("signed prekey", fmt.Sprintf("%s/%d", user, device))
	}
	var spk models.SignedPreKey
	if err := json.Unmarshal(v, &spk); err != nil {
		return nil, fmt.Errorf("decode signed prekey: %w", err)
	}
	return &spk, nil
}

// SignedPreKeyByID looks a signed prekey up by key id, current or not.
func (s *Store) SignedPreKeyByID(user string, device, keyID uint32) (*models.SignedPreKey, error) {
	notFound := errs.NotFound("signed prekey", fmt.Sprintf("%s/%d/%d", user, device, keyID))
	raw, ok, err := s.get(GenSignedPreKeyIndex(user, device, keyID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound
	}
	ts, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt signed prekey index: %w", err)
	}
	var spk models.SignedPreKey
	ok, err = s.getJSON(GenSignedPreKeyKey(user, device, ts, keyID), &spk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound
	}
	return &spk, nil
}

// ListSignedPreKeys returns a device's signed prekeys, oldest first.
func (s *Store) ListSignedPreKeys(user string, device uint32) ([]models.SignedPreKey, error) {
	var out []models.SignedPreKey
	err := scanJSON(s, GenSignedPreKeyPrefix(user, device), func(spk *models.SignedPreKey) error {
		out = append(out, *spk)
		return nil
	})
	return out, err
}

// ScanSignedPreKeys visits every signed prekey grouped by device, oldest
// first within a device.
func (s *Store) ScanSignedPreKeys(fn func(*models.SignedPreKey) error) error {
	return scanJSON(s, "spk:", fn)
}

func (b *Batch) PutSignedPreKey(spk *models.SignedPreKey) error {
	if err := b.setJSON(GenSignedPreKeyKey(spk.UserID, spk.DeviceID, spk.Timestamp, spk.KeyID), spk); err != nil {
		return err
	}
	return b.set(GenSignedPreKeyIndex(spk.UserID, spk.DeviceID, spk.KeyID), []byte(strconv.FormatInt(spk.Timestamp, 10)))
}

func (b *Batch) DeleteSignedPreKey(spk *models.SignedPreKey) error {
	if err := b.del(GenSignedPreKeyKey(spk.UserID, spk.DeviceID, spk.Timestamp, spk.KeyID)); err != nil {
		return err
	}
	return b.del(GenSignedPreKeyIndex(spk.UserID, spk.DeviceID, spk.KeyID))
}
