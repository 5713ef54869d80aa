package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"keyrelay/pkg/errs"
)

// DjbType is the type byte Signal-compatible clients prefix to X25519 keys.
const DjbType = 0x05

const maxRegistrationID = 16380

// lowOrderScalar is a fixed, clamped scalar used to reject low-order points.
var lowOrderScalar = func() []byte {
	s := bytes.Repeat([]byte{0x5a}, curve25519.ScalarSize)
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s
}()

// ValidateIdentityKey checks an ed25519 identity public key.
func ValidateIdentityKey(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return errs.Invalid("identity_key", "expected %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	if isZero(pub) {
		return errs.Invalid("identity_key", "all-zero key")
	}
	return nil
}

// ValidatePreKey checks an X25519 public key, raw or 0x05-prefixed.
func ValidatePreKey(field string, pub []byte) error {
	raw, err := rawCurveKey(pub)
	if err != nil {
		return errs.Invalid(field, "%v", err)
	}
	if _, err := curve25519.X25519(lowOrderScalar, raw); err != nil {
		return errs.Invalid(field, "low order point")
	}
	return nil
}

func rawCurveKey(pub []byte) ([]byte, error) {
	switch len(pub) {
	case curve25519.PointSize:
		return pub, nil
	case curve25519.PointSize + 1:
		if pub[0] != DjbType {
			return nil, fmt.Errorf("unknown key type 0x%02x", pub[0])
		}
		return pub[1:], nil
	default:
		return nil, fmt.Errorf("expected %d or %d bytes, got %d", curve25519.PointSize, curve25519.PointSize+1, len(pub))
	}
}

// VerifySignature reports whether sig is identityKey's signature over msg.
func VerifySignature(identityKey, msg, sig []byte) bool {
	if len(identityKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(identityKey), msg, sig)
}

// CheckSignedPreKey validates a signed prekey's public key and signature.
func CheckSignedPreKey(identityKey, pub, sig []byte) error {
	if err := ValidatePreKey("signed_prekey.public_key", pub); err != nil {
		return err
	}
	if !VerifySignature(identityKey, pub, sig) {
		return errs.Invalid("signed_prekey.signature", "does not verify against identity key")
	}
	return nil
}

// GenerateIdentity returns a fresh ed25519 identity key pair.
func GenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity: %w", err)
	}
	return pub, priv, nil
}

// GenerateX25519 returns a clamped private key and its public key.
func GenerateX25519() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate x25519: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive x25519 public: %w", err)
	}
	return priv, pub, nil
}

// Sign signs msg with an ed25519 identity private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// NewRegistrationID returns a random id in [1, 16380].
func NewRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate registration id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])%maxRegistrationID + 1, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
