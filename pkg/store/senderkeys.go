package store

import (
	"fmt"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
)

func (s *Store) GetSenderKey(a models.SenderKeyAddress) (*models.SenderKey, error) {
	var sk models.SenderKey
	ok, err := s.getJSON(GenSenderKeyKey(a.GroupID, a.SenderID, a.DeviceID), &sk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("sender key", fmt.Sprintf("%s/%s/%d", a.GroupID, a.SenderID, a.DeviceID))
	}
	return &sk, nil
}

// ListGroupSenderKeys returns every distributed sender key of a group.
func (s *Store) ListGroupSenderKeys(group string) ([]models.SenderKey, error) {
	var out []models.SenderKey
	err := scanJSON(s, GenSenderKeyGroupPrefix(group), func(sk *models.SenderKey) error {
		out = append(out, *sk)
		return nil
	})
	return out, err
}

// SenderKeysOf returns the addresses of every sender key held by sender.
func (s *Store) SenderKeysOf(sender string) ([]models.SenderKeyAddress, error) {
	var out []models.SenderKeyAddress
	err := s.scan(GenSenderReversePrefix(sender), func(k, _ []byte) error {
		snd, group, device, err := ParseReverseKey(string(k))
		if err != nil {
			return err
		}
		out = append(out, models.SenderKeyAddress{GroupID: group, SenderID: snd, DeviceID: device})
		return nil
	})
	return out, err
}

func (b *Batch) PutSenderKey(sk *models.SenderKey) error {
	if err := b.setJSON(GenSenderKeyKey(sk.GroupID, sk.SenderID, sk.DeviceID), sk); err != nil {
		return err
	}
	return b.set(GenSenderReverseKey(sk.SenderID, sk.GroupID, sk.DeviceID), nil)
}

func (b *Batch) DeleteSenderKey(a models.SenderKeyAddress) error {
	if err := b.del(GenSenderKeyKey(a.GroupID, a.SenderID, a.DeviceID)); err != nil {
		return err
	}
	return b.del(GenSenderReverseKey(a.SenderID, a.GroupID, a.DeviceID))
}

// SenderKeyLockKey is the lock guarding one sender key.
func SenderKeyLockKey(a models.SenderKeyAddress) string {
	return GenSenderKeyKey(a.GroupID, a.SenderID, a.DeviceID)
}
