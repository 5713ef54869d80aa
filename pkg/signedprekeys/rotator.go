// Package signedprekeys keeps the current signed prekey of every device and
// the superseded ones that peers may still reference for a grace period.
package signedprekeys

import (
	"context"
	"fmt"
	"time"

	"keyrelay/pkg/custody"
	"keyrelay/pkg/errs"
	"keyrelay/pkg/keys"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

const DefaultGracePeriod = 7 * 24 * time.Hour

type Rotator struct {
	store   *store.Store
	custody custody.Policy
	clock   models.Clock
	grace   time.Duration
}

type Options struct {
	GracePeriod time.Duration
	Clock       models.Clock
	// Custody seals uploaded private keys. Nil means client-held.
	Custody custody.Policy
}

func New(s *store.Store, opts Options) *Rotator {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Clock == nil {
		opts.Clock = models.SystemClock()
	}
	if opts.Custody == nil {
		opts.Custody = custody.ClientHeld{}
	}
	return &Rotator{store: s, custody: opts.Custody, clock: opts.Clock, grace: opts.GracePeriod}
}

func (r *Rotator) GracePeriod() time.Duration { return r.grace }

// Rotate installs upload as the device's current signed prekey. The
// previous one stays retrievable by key id for the grace period. A bad
// signature leaves the current key untouched.
//
// Under server-held custody an upload without a public key asks the server
// to generate the pair and sign it with the device's held identity key.
func (r *Rotator) Rotate(ctx context.Context, userID string, deviceID uint32, upload models.SignedPreKeyUpload) (*models.SignedPreKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := models.ValidateDevice(userID, deviceID); err != nil {
		return nil, err
	}
	generate := len(upload.PublicKey) == 0 && len(upload.Signature) == 0 && len(upload.PrivateKey) == 0 &&
		r.custody.HoldsPrivateKeys()
	if generate {
		priv, pub, err := keys.GenerateX25519()
		if err != nil {
			return nil, err
		}
		defer wipe(priv)
		upload.PublicKey, upload.PrivateKey = pub, priv
	}
	if err := keys.ValidatePreKey("public_key", upload.PublicKey); err != nil {
		return nil, err
	}
	handle, err := r.custody.Seal(ctx, upload.PrivateKey)
	if err != nil {
		return nil, err
	}

	release := r.store.Locks().Lock(store.DeviceLockKey(userID, deviceID))
	defer release()

	spk, err := r.rotateLocked(ctx, userID, deviceID, upload, handle, generate)
	if err != nil {
		metrics.SignedPreKeyRotations.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	metrics.SignedPreKeyRotations.WithLabelValues("ok").Inc()
	logger.Info("signed_prekey_rotated", "user", userID, "device", deviceID, "key_id", spk.KeyID, "ts", spk.Timestamp, "generated", generate)
	return spk, nil
}

func (r *Rotator) rotateLocked(ctx context.Context, userID string, deviceID uint32, upload models.SignedPreKeyUpload, handle []byte, generate bool) (*models.SignedPreKey, error) {
	id, err := r.store.GetIdentity(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if generate {
		if len(id.PrivateKeyHandle) == 0 {
			return nil, errs.Invalid("public_key", "required: no identity key is held for %s/%d", userID, deviceID)
		}
		if upload.Signature, err = custody.Sign(ctx, r.custody, id.PrivateKeyHandle, upload.PublicKey); err != nil {
			return nil, err
		}
	}
	if err := keys.CheckSignedPreKey(id.IdentityKey, upload.PublicKey, upload.Signature); err != nil {
		return nil, err
	}
	if _, err := r.store.SignedPreKeyByID(userID, deviceID, upload.KeyID); err == nil {
		return nil, errs.Conflict("signed prekey", fmt.Sprintf("%s/%d/%d", userID, deviceID, upload.KeyID), "")
	} else if !errs.IsNotFound(err) {
		return nil, err
	}

	ts := r.clock.Now().UnixNano()
	cur, err := r.store.CurrentSignedPreKey(userID, deviceID)
	switch {
	case err == nil:
		if ts <= cur.Timestamp {
			ts = cur.Timestamp + 1
		}
	case !errs.IsNotFound(err):
		return nil, err
	}

	spk := &models.SignedPreKey{
		UserID:           userID,
		DeviceID:         deviceID,
		KeyID:            upload.KeyID,
		PublicKey:        upload.PublicKey,
		Signature:        upload.Signature,
		Timestamp:        ts,
		PrivateKeyHandle: handle,
	}
	b := r.store.NewBatch()
	defer b.Discard()
	if err := b.PutSignedPreKey(spk); err != nil {
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("rotate signed prekey: %w", err)
	}
	return spk, nil
}

func resultLabel(err error) string {
	switch errs.CodeOf(err) {
	case errs.CodeValidation:
		return "invalid"
	case errs.CodeConflict:
		return "conflict"
	case errs.CodeNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// GetCurrent returns the device's signed prekey with the greatest timestamp.
func (r *Rotator) GetCurrent(ctx context.Context, userID string, deviceID uint32) (*models.SignedPreKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := models.ValidateDevice(userID, deviceID); err != nil {
		return nil, err
	}
	return r.store.CurrentSignedPreKey(userID, deviceID)
}

// GetByID returns a signed prekey by key id. The current key is always
// returned; a superseded one only until the grace period after it was
// superseded has passed.
func (r *Rotator) GetByID(ctx context.Context, userID string, deviceID, keyID uint32) (*models.SignedPreKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := models.ValidateDevice(userID, deviceID); err != nil {
		return nil, err
	}
	spk, err := r.store.SignedPreKeyByID(userID, deviceID, keyID)
	if err != nil {
		return nil, err
	}
	all, err := r.store.ListSignedPreKeys(userID, deviceID)
	if err != nil {
		return nil, err
	}
	superseded, ok := supersededAt(all, spk)
	if !ok {
		return spk, nil
	}
	if r.expired(superseded, r.clock.Now()) {
		return nil, errs.NotFound("signed prekey", fmt.Sprintf("%s/%d/%d", userID, deviceID, keyID))
	}
	return spk, nil
}

// supersededAt is the timestamp of the first key newer than spk. all must
// be ordered oldest first.
func supersededAt(all []models.SignedPreKey, spk *models.SignedPreKey) (int64, bool) {
	for _, k := range all {
		if k.Timestamp > spk.Timestamp {
			return k.Timestamp, true
		}
	}
	return 0, false
}

func (r *Rotator) expired(supersededTS int64, now time.Time) bool {
	return !now.Before(time.Unix(0, supersededTS).Add(r.grace))
}

// Expired lists superseded signed prekeys whose grace period ended before
// now, at most limit of them (0 for no limit).
func (r *Rotator) Expired(ctx context.Context, now time.Time, limit int) ([]models.SignedPreKey, error) {
	var (
		out  []models.SignedPreKey
		prev *models.SignedPreKey
	)
	err := r.store.ScanSignedPreKeys(func(spk *models.SignedPreKey) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if prev != nil && prev.UserID == spk.UserID && prev.DeviceID == spk.DeviceID && r.expired(spk.Timestamp, now) {
			out = append(out, *prev)
			if limit > 0 && len(out) >= limit {
				return store.ErrStopScan
			}
		}
		prev = spk
		return nil
	})
	return out, err
}

// Purge deletes the given signed prekeys, one batch per device. It returns
// how many were removed.
func (r *Rotator) Purge(ctx context.Context, expired []models.SignedPreKey) (int, error) {
	byDevice := map[string][]models.SignedPreKey{}
	var order []string
	for _, spk := range expired {
		k := store.DeviceLockKey(spk.UserID, spk.DeviceID)
		if _, ok := byDevice[k]; !ok {
			order = append(order, k)
		}
		byDevice[k] = append(byDevice[k], spk)
	}

	removed := 0
	for _, k := range order {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := r.purgeDevice(k, byDevice[k])
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (r *Rotator) purgeDevice(lockKey string, spks []models.SignedPreKey) (int, error) {
	release := r.store.Locks().Lock(lockKey)
	defer release()

	cur, err := r.store.CurrentSignedPreKey(spks[0].UserID, spks[0].DeviceID)
	if err != nil && !errs.IsNotFound(err) {
		return 0, err
	}
	b := r.store.NewBatch()
	defer b.Discard()
	for i := range spks {
		// never remove the current key, even if a caller passes it
		if cur != nil && cur.KeyID == spks[i].KeyID {
			continue
		}
		if err := b.DeleteSignedPreKey(&spks[i]); err != nil {
			return 0, err
		}
	}
	n := b.Len() / 2
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("purge signed prekeys: %w", err)
	}
	return n, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
