package models

// Identity is the long-term identity of one device. IdentityKey is an
// ed25519 public key; signed prekeys must verify against it.
type Identity struct {
	UserID         string `json:"user_id"`
	DeviceID       uint32 `json:"device_id"`
	IdentityKey    []byte `json:"identity_key"`
	RegistrationID uint32 `json:"registration_id"`
	// PrivateKeyHandle is set only under server-held custody. It is an
	// opaque wrapped blob, never raw key bytes.
	PrivateKeyHandle []byte `json:"private_key_handle,omitempty"`
	Generation       uint32 `json:"generation"`
	CreatedTS        int64  `json:"created_ts"`
	// RetiredTS is set on tombstoned history records.
	RetiredTS int64 `json:"retired_ts,omitempty"`
}

// IdentityRegistration is the input to identity registration and reset.
type IdentityRegistration struct {
	UserID         string `json:"user_id"`
	DeviceID       uint32 `json:"device_id"`
	IdentityKey    []byte `json:"identity_key,omitempty"`
	RegistrationID uint32 `json:"registration_id,omitempty"`
	// PrivateKey is accepted only when the custody policy is server-held.
	PrivateKey []byte `json:"private_key,omitempty"`
}

// Tombstone is the audit record left behind by an identity reset.
type Tombstone struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	Devices       []uint32 `json:"devices"`
	Generation    uint32   `json:"generation"`
	PreKeys       int      `json:"prekeys"`
	SignedPreKeys int      `json:"signed_prekeys"`
	Sessions      int      `json:"sessions"`
	SenderKeys    int      `json:"sender_keys"`
	TS            int64    `json:"ts"`
}
