package models

// OneTimePreKey is a single-use curve25519 public key. Used flips to true
// exactly once, when the key is handed out in a bundle.
type OneTimePreKey struct {
	UserID    string `json:"user_id"`
	DeviceID  uint32 `json:"device_id"`
	KeyID     uint32 `json:"key_id"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature,omitempty"`
	Used      bool   `json:"used"`
	CreatedTS int64  `json:"created_ts"`
	UsedTS    int64  `json:"used_ts,omitempty"`
}

// SignedPreKey is a medium-lived curve25519 public key signed by the
// identity key. The one with the greatest Timestamp is current.
type SignedPreKey struct {
	UserID           string `json:"user_id"`
	DeviceID         uint32 `json:"device_id"`
	KeyID            uint32 `json:"key_id"`
	PublicKey        []byte `json:"public_key"`
	Signature        []byte `json:"signature"`
	Timestamp        int64  `json:"timestamp"`
	PrivateKeyHandle []byte `json:"private_key_handle,omitempty"`
}

// PreKeyPublic is the public part of a one-time prekey as handed to peers.
type PreKeyPublic struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

// SignedPreKeyPublic is the public part of a signed prekey.
type SignedPreKeyPublic struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Bundle is what a peer receives to start a session with a device.
type Bundle struct {
	UserID         string             `json:"user_id"`
	DeviceID       uint32             `json:"device_id"`
	RegistrationID uint32             `json:"registration_id"`
	IdentityKey    []byte             `json:"identity_key"`
	SignedPreKey   SignedPreKeyPublic `json:"signed_prekey"`
	PreKeys        []PreKeyPublic     `json:"prekeys"`
	// Exhausted is set when fewer one-time prekeys were available than requested.
	Exhausted bool `json:"exhausted,omitempty"`
}

func (s *SignedPreKey) Public() SignedPreKeyPublic {
	return SignedPreKeyPublic{KeyID: s.KeyID, PublicKey: s.PublicKey, Signature: s.Signature, Timestamp: s.Timestamp}
}

// PreKeyUpload is one one-time prekey as submitted by its device.
type PreKeyUpload struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature,omitempty"`
}

// SignedPreKeyUpload is a signed prekey as submitted for rotation. The
// private key is only accepted under server-held custody.
type SignedPreKeyUpload struct {
	KeyID      uint32 `json:"key_id"`
	PublicKey  []byte `json:"public_key"`
	Signature  []byte `json:"signature"`
	PrivateKey []byte `json:"private_key,omitempty"`
}
