package models

// SenderKeyAddress addresses one member device's sender key in a group.
type SenderKeyAddress struct {
	GroupID  string `json:"group_id"`
	SenderID string `json:"sender_id"`
	DeviceID uint32 `json:"device_id"`
}

// SenderKey holds distributed group key material. Version counts
// explicit rotations.
type SenderKey struct {
	SenderKeyAddress
	KeyData   []byte `json:"key_data"`
	Version   uint32 `json:"version"`
	CreatedTS int64  `json:"created_ts"`
	UpdatedTS int64  `json:"updated_ts"`
}
