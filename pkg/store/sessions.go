package store

import (
	"fmt"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
)

func sessionName(k models.SessionKey) string {
	return fmt.Sprintf("%s/%s/%d", k.LocalUserID, k.RemoteUserID, k.DeviceID)
}

// GetSession returns the session state for a triple.
func (s *Store) GetSession(k models.SessionKey) (*models.SessionState, error) {
	var st models.SessionState
	ok, err := s.getJSON(GenSessionKey(k.LocalUserID, k.RemoteUserID, k.DeviceID), &st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("session", sessionName(k))
	}
	return &st, nil
}

// ListSessions returns every session owned by local.
func (s *Store) ListSessions(local string) ([]models.SessionState, error) {
	var out []models.SessionState
	err := scanJSON(s, GenSessionPrefix(local), func(st *models.SessionState) error {
		out = append(out, *st)
		return nil
	})
	return out, err
}

// SessionsWithRemote returns the keys of sessions other users hold with remote.
func (s *Store) SessionsWithRemote(remote string) ([]models.SessionKey, error) {
	var out []models.SessionKey
	err := s.scan(GenSessionReversePrefix(remote), func(k, _ []byte) error {
		r, local, device, err := ParseReverseKey(string(k))
		if err != nil {
			return err
		}
		out = append(out, models.SessionKey{LocalUserID: local, RemoteUserID: r, DeviceID: device})
		return nil
	})
	return out, err
}

func (b *Batch) PutSession(st *models.SessionState) error {
	if err := b.setJSON(GenSessionKey(st.LocalUserID, st.RemoteUserID, st.DeviceID), st); err != nil {
		return err
	}
	return b.set(GenSessionReverseKey(st.RemoteUserID, st.LocalUserID, st.DeviceID), nil)
}

func (b *Batch) DeleteSession(k models.SessionKey) error {
	if err := b.del(GenSessionKey(k.LocalUserID, k.RemoteUserID, k.DeviceID)); err != nil {
		return err
	}
	return b.del(GenSessionReverseKey(k.RemoteUserID, k.LocalUserID, k.DeviceID))
}

// SessionLockKey is the lock guarding one session triple.
func SessionLockKey(k models.SessionKey) string {
	return GenSessionKey(k.LocalUserID, k.RemoteUserID, k.DeviceID)
}
