// Package sessions stores opaque pairwise session state. Each
// (local, remote, device) row has exactly one writer at a time.
package sessions

import (
	"context"
	"fmt"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

type Registry struct {
	store *store.Store
	clock models.Clock
}

func New(s *store.Store, clock models.Clock) *Registry {
	if clock == nil {
		clock = models.SystemClock()
	}
	return &Registry{store: s, clock: clock}
}

func validateKey(k models.SessionKey) error {
	if k.LocalUserID == "" {
		return errs.Invalid("local_user_id", "required")
	}
	if k.RemoteUserID == "" {
		return errs.Invalid("remote_user_id", "required")
	}
	if k.DeviceID == 0 {
		return errs.Invalid("device_id", "must be a positive integer")
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, k models.SessionKey) (*models.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(k); err != nil {
		return nil, err
	}
	return r.store.GetSession(k)
}

// Put upserts the session blob and returns the new version.
func (r *Registry) Put(ctx context.Context, k models.SessionKey, blob []byte) (uint64, error) {
	return r.write(ctx, k, blob, nil)
}

// CompareAndPut writes only if the stored version equals expected. An
// expected version of 0 means the session must not exist yet.
func (r *Registry) CompareAndPut(ctx context.Context, k models.SessionKey, blob []byte, expected uint64) (uint64, error) {
	return r.write(ctx, k, blob, &expected)
}

func (r *Registry) write(ctx context.Context, k models.SessionKey, blob []byte, expected *uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateKey(k); err != nil {
		return 0, err
	}
	if len(blob) == 0 {
		return 0, errs.Invalid("blob", "required")
	}

	release := r.store.Locks().Lock(store.SessionLockKey(k))
	defer release()

	now := r.clock.Now().UnixNano()
	st, err := r.store.GetSession(k)
	switch {
	case err == nil:
	case errs.IsNotFound(err):
		st = &models.SessionState{SessionKey: k, CreatedTS: now}
	default:
		return 0, err
	}
	if expected != nil && st.Version != *expected {
		metrics.SessionWrites.WithLabelValues("conflict").Inc()
		return 0, errs.Conflict("session", fmt.Sprintf("%s/%s/%d", k.LocalUserID, k.RemoteUserID, k.DeviceID),
			fmt.Sprintf("version %d != %d", st.Version, *expected))
	}
	st.Blob = blob
	st.Version++
	st.UpdatedTS = now

	b := r.store.NewBatch()
	defer b.Discard()
	if err := b.PutSession(st); err != nil {
		return 0, err
	}
	if err := b.Commit(); err != nil {
		metrics.SessionWrites.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("write session: %w", err)
	}
	metrics.SessionWrites.WithLabelValues("ok").Inc()
	return st.Version, nil
}

func (r *Registry) Delete(ctx context.Context, k models.SessionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(k); err != nil {
		return err
	}
	release := r.store.Locks().Lock(store.SessionLockKey(k))
	defer release()

	if _, err := r.store.GetSession(k); err != nil {
		return err
	}
	b := r.store.NewBatch()
	defer b.Discard()
	if err := b.DeleteSession(k); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListActive returns every session the local user holds.
func (r *Registry) ListActive(ctx context.Context, localUserID string) ([]models.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if localUserID == "" {
		return nil, errs.Invalid("local_user_id", "required")
	}
	return r.store.ListSessions(localUserID)
}

// DeleteForPeer removes every session in which userID is either side.
func (r *Registry) DeleteForPeer(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, errs.Invalid("user_id", "required")
	}
	targets, err := PeerSessions(r.store, userID)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}
	lockKeys := make([]string, 0, len(targets))
	for _, k := range targets {
		lockKeys = append(lockKeys, store.SessionLockKey(k))
	}
	release := r.store.Locks().LockAll(lockKeys)
	defer release()

	b := r.store.NewBatch()
	defer b.Discard()
	for _, k := range targets {
		if err := b.DeleteSession(k); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("delete sessions for %s: %w", userID, err)
	}
	logger.Info("peer_sessions_deleted", "user", userID, "count", len(targets))
	return len(targets), nil
}

// PeerSessions lists the keys of all sessions where userID is local or
// remote, without duplicates.
func PeerSessions(s *store.Store, userID string) ([]models.SessionKey, error) {
	own, err := s.ListSessions(userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[models.SessionKey]struct{}, len(own))
	out := make([]models.SessionKey, 0, len(own))
	for _, st := range own {
		seen[st.SessionKey] = struct{}{}
		out = append(out, st.SessionKey)
	}
	theirs, err := s.SessionsWithRemote(userID)
	if err != nil {
		return nil, err
	}
	for _, k := range theirs {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}
