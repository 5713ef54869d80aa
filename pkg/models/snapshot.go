package models

// SnapshotVersion is bumped when the snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is a full copy of one user's key material, used for device
// migration and backup.
type Snapshot struct {
	Version       int             `json:"v"`
	UserID        string          `json:"user_id"`
	ExportedTS    int64           `json:"exported_ts"`
	Identities    []Identity      `json:"identities"`
	PreKeys       []OneTimePreKey `json:"prekeys"`
	SignedPreKeys []SignedPreKey  `json:"signed_prekeys"`
	Sessions      []SessionState  `json:"sessions"`
	SenderKeys    []SenderKey     `json:"sender_keys"`
}
