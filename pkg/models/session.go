package models

// SessionKey addresses a single-writer session row.
type SessionKey struct {
	LocalUserID  string `json:"local_user_id"`
	RemoteUserID string `json:"remote_user_id"`
	DeviceID     uint32 `json:"device_id"`
}

// SessionState is opaque ratchet state. Version increments on every write.
type SessionState struct {
	SessionKey
	Blob      []byte `json:"blob"`
	Version   uint64 `json:"version"`
	CreatedTS int64  `json:"created_ts"`
	UpdatedTS int64  `json:"updated_ts"`
}
