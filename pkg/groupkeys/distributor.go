// Package groupkeys distributes sender keys for group messaging, one per
// (group, sender, device).
package groupkeys

import (
	"context"
	"fmt"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

type Distributor struct {
	store *store.Store
	clock models.Clock
}

func New(s *store.Store, clock models.Clock) *Distributor {
	if clock == nil {
		clock = models.SystemClock()
	}
	return &Distributor{store: s, clock: clock}
}

func validateAddress(a models.SenderKeyAddress) error {
	if a.GroupID == "" {
		return errs.Invalid("group_id", "required")
	}
	return models.ValidateDevice(a.SenderID, a.DeviceID)
}

func addrName(a models.SenderKeyAddress) string {
	return fmt.Sprintf("%s/%s/%d", a.GroupID, a.SenderID, a.DeviceID)
}

// Distribute stores a sender key. Replacing an existing key is a rotation
// and must be asked for explicitly; it bumps Version.
func (d *Distributor) Distribute(ctx context.Context, a models.SenderKeyAddress, keyData []byte, rotate bool) (*models.SenderKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateAddress(a); err != nil {
		return nil, err
	}
	if len(keyData) == 0 {
		return nil, errs.Invalid("key_data", "required")
	}

	release := d.store.Locks().Lock(store.SenderKeyLockKey(a))
	defer release()

	now := d.clock.Now().UnixNano()
	sk, err := d.store.GetSenderKey(a)
	op := "rotate"
	switch {
	case err == nil:
		if !rotate {
			return nil, errs.Conflict("sender key", addrName(a), "already distributed; set rotate to replace")
		}
		sk.Version++
	case errs.IsNotFound(err):
		sk = &models.SenderKey{SenderKeyAddress: a, Version: 1, CreatedTS: now}
		op = "distribute"
	default:
		return nil, err
	}
	sk.KeyData = keyData
	sk.UpdatedTS = now

	b := d.store.NewBatch()
	defer b.Discard()
	if err := b.PutSenderKey(sk); err != nil {
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("distribute sender key: %w", err)
	}
	metrics.SenderKeyOps.WithLabelValues(op).Inc()
	logger.Info("sender_key_"+op, "group", a.GroupID, "sender", a.SenderID, "device", a.DeviceID, "version", sk.Version)
	return sk, nil
}

func (d *Distributor) Get(ctx context.Context, a models.SenderKeyAddress) (*models.SenderKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateAddress(a); err != nil {
		return nil, err
	}
	return d.store.GetSenderKey(a)
}

func (d *Distributor) Revoke(ctx context.Context, a models.SenderKeyAddress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateAddress(a); err != nil {
		return err
	}
	release := d.store.Locks().Lock(store.SenderKeyLockKey(a))
	defer release()

	if _, err := d.store.GetSenderKey(a); err != nil {
		return err
	}
	b := d.store.NewBatch()
	defer b.Discard()
	if err := b.DeleteSenderKey(a); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("revoke sender key: %w", err)
	}
	metrics.SenderKeyOps.WithLabelValues("revoke").Inc()
	logger.Info("sender_key_revoked", "group", a.GroupID, "sender", a.SenderID, "device", a.DeviceID)
	return nil
}

// ListGroup returns every sender key distributed in a group.
func (d *Distributor) ListGroup(ctx context.Context, groupID string) ([]models.SenderKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, errs.Invalid("group_id", "required")
	}
	return d.store.ListGroupSenderKeys(groupID)
}

// RevokeSender removes every sender key held by senderID in any group.
func (d *Distributor) RevokeSender(ctx context.Context, senderID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if senderID == "" {
		return 0, errs.Invalid("sender_id", "required")
	}
	addrs, err := d.store.SenderKeysOf(senderID)
	if err != nil {
		return 0, err
	}
	if len(addrs) == 0 {
		return 0, nil
	}
	lockKeys := make([]string, 0, len(addrs))
	for _, a := range addrs {
		lockKeys = append(lockKeys, store.SenderKeyLockKey(a))
	}
	release := d.store.Locks().LockAll(lockKeys)
	defer release()

	b := d.store.NewBatch()
	defer b.Discard()
	for _, a := range addrs {
		if err := b.DeleteSenderKey(a); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("revoke sender keys of %s: %w", senderID, err)
	}
	metrics.SenderKeyOps.WithLabelValues("revoke").Add(float64(len(addrs)))
	logger.Info("sender_keys_revoked", "sender", senderID, "count", len(addrs))
	return len(addrs), nil
}
