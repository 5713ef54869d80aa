package prekeys

import (
	"context"
	"fmt"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/keys"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

const (
	DefaultMaxBatch = 100
	DefaultMaxClaim = 10
)

// Allocator registers one-time prekeys and hands them out in bundles,
// each key at most once.
type Allocator struct {
	store    *store.Store
	clock    models.Clock
	maxBatch int
	maxClaim int
}

type Options struct {
	MaxBatch int
	MaxClaim int
	Clock    models.Clock
}

func New(s *store.Store, opts Options) *Allocator {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.MaxClaim <= 0 {
		opts.MaxClaim = DefaultMaxClaim
	}
	if opts.Clock == nil {
		opts.Clock = models.SystemClock()
	}
	return &Allocator{store: s, clock: opts.Clock, maxBatch: opts.MaxBatch, maxClaim: opts.MaxClaim}
}

// RegisterBatch stores a batch of unused prekeys for a device. The batch is
// all or nothing: any key id already present, or repeated in the batch,
// rejects the whole batch with a ConflictError.
func (a *Allocator) RegisterBatch(ctx context.Context, userID string, deviceID uint32, batch []models.PreKeyUpload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := models.ValidateDevice(userID, deviceID); err != nil {
		return err
	}
	if len(batch) == 0 || len(batch) > a.maxBatch {
		return errs.Invalid("prekeys", "batch size must be between 1 and %d, got %d", a.maxBatch, len(batch))
	}

	id, err := a.store.GetIdentity(userID, deviceID)
	if err != nil {
		return err
	}
	seen := make(map[uint32]struct{}, len(batch))
	for i, pk := range batch {
		if _, dup := seen[pk.KeyID]; dup {
			return errs.Conflict("prekey", fmt.Sprintf("%s/%d/%d", userID, deviceID, pk.KeyID), "repeated in batch")
		}
		seen[pk.KeyID] = struct{}{}
		if err := keys.ValidatePreKey(fmt.Sprintf("prekeys[%d].public_key", i), pk.PublicKey); err != nil {
			return err
		}
		if len(pk.Signature) > 0 && !keys.VerifySignature(id.IdentityKey, pk.PublicKey, pk.Signature) {
			return errs.Invalid(fmt.Sprintf("prekeys[%d].signature", i), "does not verify against identity key")
		}
	}

	release := a.store.Locks().Lock(store.DeviceLockKey(userID, deviceID))
	defer release()

	// identity may have been reset while we validated
	cur, err := a.store.GetIdentity(userID, deviceID)
	if err != nil {
		return err
	}
	if cur.Generation != id.Generation {
		return errs.Conflict("identity", fmt.Sprintf("%s/%d", userID, deviceID), "identity was reset during registration")
	}

	now := a.clock.Now().UnixNano()
	b := a.store.NewBatch()
	defer b.Discard()
	for _, pk := range batch {
		exists, err := a.store.HasPreKey(userID, deviceID, pk.KeyID)
		if err != nil {
			return err
		}
		if exists {
			return errs.Conflict("prekey", fmt.Sprintf("%s/%d/%d", userID, deviceID, pk.KeyID), "")
		}
		if err := b.PutPreKey(&models.OneTimePreKey{
			UserID:    userID,
			DeviceID:  deviceID,
			KeyID:     pk.KeyID,
			PublicKey: pk.PublicKey,
			Signature: pk.Signature,
			CreatedTS: now,
		}); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("register prekeys: %w", err)
	}

	metrics.PreKeysRegistered.Add(float64(len(batch)))
	logger.Info("prekey_batch_registered", "user", userID, "device", deviceID, "count", len(batch))
	return nil
}

// ClaimBundle atomically marks up to count unused prekeys as used and
// returns them with the device's identity key and current signed prekey.
//
// When no one-time prekey is left the bundle still carries the signed
// prekey and the returned error is an *errs.ExhaustionError; callers
// should treat that as a usable, degraded bundle.
func (a *Allocator) ClaimBundle(ctx context.Context, userID string, deviceID uint32, count int) (*models.Bundle, error) {
	if err := models.ValidateDevice(userID, deviceID); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	if count > a.maxClaim {
		return nil, errs.Invalid("count", "at most %d prekeys per claim", a.maxClaim)
	}

	release := a.store.Locks().Lock(store.DeviceLockKey(userID, deviceID))
	claimed, id, spk, err := a.claimLocked(ctx, userID, deviceID, count)
	release()
	if err != nil {
		return nil, err
	}

	bundle := &models.Bundle{
		UserID:         userID,
		DeviceID:       deviceID,
		RegistrationID: id.RegistrationID,
		IdentityKey:    id.IdentityKey,
		SignedPreKey:   spk.Public(),
		PreKeys:        make([]models.PreKeyPublic, 0, len(claimed)),
		Exhausted:      len(claimed) < count,
	}
	for _, pk := range claimed {
		bundle.PreKeys = append(bundle.PreKeys, models.PreKeyPublic{KeyID: pk.KeyID, PublicKey: pk.PublicKey})
	}
	metrics.PreKeysClaimed.Add(float64(len(claimed)))

	switch {
	case len(claimed) == 0:
		metrics.BundleClaims.WithLabelValues("exhausted").Inc()
		logger.Warn("prekeys_exhausted", "user", userID, "device", deviceID)
		return bundle, &errs.ExhaustionError{UserID: userID, DeviceID: deviceID, Requested: count}
	case len(claimed) < count:
		metrics.BundleClaims.WithLabelValues("partial").Inc()
	default:
		metrics.BundleClaims.WithLabelValues("full").Inc()
	}
	logger.Debug("bundle_claimed", "user", userID, "device", deviceID, "prekeys", len(claimed))
	return bundle, nil
}

// claimLocked reads and marks prekeys in one batch. The device lock must
// be held so no other claim can observe the same unused keys.
func (a *Allocator) claimLocked(ctx context.Context, userID string, deviceID uint32, count int) ([]models.OneTimePreKey, *models.Identity, *models.SignedPreKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	id, err := a.store.GetIdentity(userID, deviceID)
	if err != nil {
		return nil, nil, nil, err
	}
	spk, err := a.store.CurrentSignedPreKey(userID, deviceID)
	if err != nil {
		return nil, nil, nil, err
	}
	unused, err := a.store.UnusedPreKeys(userID, deviceID, count)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(unused) == 0 {
		return nil, id, spk, nil
	}

	now := a.clock.Now().UnixNano()
	b := a.store.NewBatch()
	defer b.Discard()
	for i := range unused {
		unused[i].Used = true
		unused[i].UsedTS = now
		if err := b.PutPreKey(&unused[i]); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := b.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("claim prekeys: %w", err)
	}
	return unused, id, spk, nil
}

// Count returns how many unused prekeys a device has left.
func (a *Allocator) Count(ctx context.Context, userID string, deviceID uint32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := a.store.GetIdentity(userID, deviceID); err != nil {
		return 0, err
	}
	return a.store.CountUnusedPreKeys(userID, deviceID)
}
