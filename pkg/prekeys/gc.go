package prekeys

import (
	"context"
	"fmt"
	"time"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

// ExpiredUsed lists used prekeys claimed before cutoff, at most limit of
// them (0 for no limit).
func (a *Allocator) ExpiredUsed(ctx context.Context, cutoff time.Time, limit int) ([]models.OneTimePreKey, error) {
	var out []models.OneTimePreKey
	c := cutoff.UnixNano()
	err := a.store.ScanPreKeys(func(pk *models.OneTimePreKey) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pk.Used && pk.UsedTS < c {
			out = append(out, *pk)
			if limit > 0 && len(out) >= limit {
				return store.ErrStopScan
			}
		}
		return nil
	})
	return out, err
}

// PurgeUsed deletes the given prekeys, one batch per device. Keys that are
// no longer used (re-registered after a reset) are skipped.
func (a *Allocator) PurgeUsed(ctx context.Context, used []models.OneTimePreKey) (int, error) {
	byDevice := map[string][]models.OneTimePreKey{}
	var order []string
	for _, pk := range used {
		k := store.DeviceLockKey(pk.UserID, pk.DeviceID)
		if _, ok := byDevice[k]; !ok {
			order = append(order, k)
		}
		byDevice[k] = append(byDevice[k], pk)
	}

	removed := 0
	for _, k := range order {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := a.purgeDevice(k, byDevice[k])
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (a *Allocator) purgeDevice(lockKey string, pks []models.OneTimePreKey) (int, error) {
	release := a.store.Locks().Lock(lockKey)
	defer release()

	b := a.store.NewBatch()
	defer b.Discard()
	for _, pk := range pks {
		cur, err := a.store.GetPreKey(pk.UserID, pk.DeviceID, pk.KeyID)
		if errs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !cur.Used {
			continue
		}
		if err := b.DeletePreKey(pk.UserID, pk.DeviceID, pk.KeyID); err != nil {
			return 0, err
		}
	}
	n := b.Len()
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("purge used prekeys: %w", err)
	}
	return n, nil
}
