package store

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// notation dictionary for key formats:
	// id   = current identity of a device
	// idh  = retired identity (reset history)
	// otk  = one-time prekey
	// spk  = signed prekey, ordered by timestamp
	// spki = signed prekey id -> timestamp index
	// ses  = session, sesr = session reverse index by remote user
	// sk   = sender key, skr = sender key reverse index by sender
	// env  = envelope
	// tomb = reset tombstone
	// Segments are separated by ":"; free-form ids are escaped so they
	// never contain ":".

	IdentityKey        = "id:%s:%s"        // id:<user>:<device>
	IdentityHistoryKey = "idh:%s:%s:%s"    // idh:<user>:<device>:<generation>
	PreKeyKey          = "otk:%s:%s:%s"    // otk:<user>:<device>:<key_id>
	SignedPreKeyKey    = "spk:%s:%s:%s:%s" // spk:<user>:<device>:<ts>:<key_id>
	SignedPreKeyIndex  = "spki:%s:%s:%s"   // spki:<user>:<device>:<key_id>
	SessionKey         = "ses:%s:%s:%s"    // ses:<local>:<remote>:<device>
	SessionReverseKey  = "sesr:%s:%s:%s"   // sesr:<remote>:<local>:<device>
	SenderKeyKey       = "sk:%s:%s:%s"     // sk:<group>:<sender>:<device>
	SenderReverseKey   = "skr:%s:%s:%s"    // skr:<sender>:<group>:<device>
	EnvelopeKey        = "env:%s"          // env:<message_id>
	TombstoneKey       = "tomb:%s:%s"      // tomb:<user>:<tombstone_id>

	// padding widths (fixed for lexicographic ordering)
	IDPadWidth = 10 // uint32
	TSPadWidth = 20 // int64 nanoseconds
)

func esc(s string) string {
	if !strings.ContainsAny(s, "%:") {
		return s
	}
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, ":", "%3A")
}

func unesc(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	s = strings.ReplaceAll(s, "%3A", ":")
	return strings.ReplaceAll(s, "%25", "%")
}

func padID(v uint32) string { return fmt.Sprintf("%0*d", IDPadWidth, v) }

func padTS(v int64) string { return fmt.Sprintf("%0*d", TSPadWidth, v) }

func GenIdentityKey(user string, device uint32) string {
	return fmt.Sprintf(IdentityKey, esc(user), padID(device))
}

func GenIdentityPrefix(user string) string {
	return fmt.Sprintf("id:%s:", esc(user))
}

func GenIdentityHistoryKey(user string, device, generation uint32) string {
	return fmt.Sprintf(IdentityHistoryKey, esc(user), padID(device), padID(generation))
}

func GenIdentityHistoryPrefix(user string) string {
	return fmt.Sprintf("idh:%s:", esc(user))
}

func GenPreKeyKey(user string, device, keyID uint32) string {
	return fmt.Sprintf(PreKeyKey, esc(user), padID(device), padID(keyID))
}

func GenPreKeyPrefix(user string, device uint32) string {
	return fmt.Sprintf("otk:%s:%s:", esc(user), padID(device))
}

func GenSignedPreKeyKey(user string, device uint32, ts int64, keyID uint32) string {
	return fmt.Sprintf(SignedPreKeyKey, esc(user), padID(device), padTS(ts), padID(keyID))
}

func GenSignedPreKeyPrefix(user string, device uint32) string {
	return fmt.Sprintf("spk:%s:%s:", esc(user), padID(device))
}

func GenSignedPreKeyIndex(user string, device, keyID uint32) string {
	return fmt.Sprintf(SignedPreKeyIndex, esc(user), padID(device), padID(keyID))
}

func GenSessionKey(local, remote string, device uint32) string {
	return fmt.Sprintf(SessionKey, esc(local), esc(remote), padID(device))
}

func GenSessionPrefix(local string) string {
	return fmt.Sprintf("ses:%s:", esc(local))
}

func GenSessionReverseKey(remote, local string, device uint32) string {
	return fmt.Sprintf(SessionReverseKey, esc(remote), esc(local), padID(device))
}

func GenSessionReversePrefix(remote string) string {
	return fmt.Sprintf("sesr:%s:", esc(remote))
}

func GenSenderKeyKey(group, sender string, device uint32) string {
	return fmt.Sprintf(SenderKeyKey, esc(group), esc(sender), padID(device))
}

func GenSenderKeyGroupPrefix(group string) string {
	return fmt.Sprintf("sk:%s:", esc(group))
}

func GenSenderReverseKey(sender, group string, device uint32) string {
	return fmt.Sprintf(SenderReverseKey, esc(sender), esc(group), padID(device))
}

func GenSenderReversePrefix(sender string) string {
	return fmt.Sprintf("skr:%s:", esc(sender))
}

func GenEnvelopeKey(messageID string) string {
	return fmt.Sprintf(EnvelopeKey, esc(messageID))
}

func GenTombstoneKey(user, id string) string {
	return fmt.Sprintf(TombstoneKey, esc(user), esc(id))
}

func GenTombstonePrefix(user string) string {
	return fmt.Sprintf("tomb:%s:", esc(user))
}

// ParseReverseKey splits a sesr/skr key into its three trailing segments.
func ParseReverseKey(key string) (a, b string, device uint32, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || (parts[0] != "sesr" && parts[0] != "skr") {
		return "", "", 0, fmt.Errorf("invalid reverse key: %q", key)
	}
	d, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid device in key %q: %w", key, err)
	}
	return unesc(parts[1]), unesc(parts[2]), uint32(d), nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
