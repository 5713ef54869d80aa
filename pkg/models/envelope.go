package models

// CipherType is the kind of ciphertext carried by an envelope.
type CipherType string

const (
	CipherPreKey    CipherType = "prekey"
	CipherWhisper   CipherType = "whisper"
	CipherSenderKey CipherType = "sender_key"
)

// Valid reports whether c is a known cipher type.
func (c CipherType) Valid() bool {
	switch c {
	case CipherPreKey, CipherWhisper, CipherSenderKey:
		return true
	}
	return false
}

// IsGroup reports whether c is keyed by a group sender key.
func (c CipherType) IsGroup() bool { return c == CipherSenderKey }

// EnvelopeMetadata describes one message. Immutable once recorded.
type EnvelopeMetadata struct {
	MessageID             string     `json:"message_id"`
	CipherType            CipherType `json:"cipher_type"`
	DeviceID              uint32     `json:"device_id"`
	SenderKeyDistribution []byte     `json:"sender_key_distribution,omitempty"`
	GroupID               string     `json:"group_id,omitempty"`
	SenderID              string     `json:"sender_id,omitempty"`
	CreatedTS             int64      `json:"created_ts"`
}

// Envelope is metadata plus opaque ciphertext.
type Envelope struct {
	EnvelopeMetadata
	Ciphertext []byte `json:"ciphertext,omitempty"`
}
