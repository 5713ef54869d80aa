package identity

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"keyrelay/pkg/errs"
)

const (
	kdfArgon2id = "argon2id"
	saltBytes   = 16

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// sealed is a passphrase protected snapshot.
type sealed struct {
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func deriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Seal encrypts plaintext under a key derived from passphrase.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errs.Invalid("passphrase", "required")
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	kek := deriveKEK(passphrase, salt)
	defer zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return json.Marshal(sealed{
		KDF:        kdfArgon2id,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(kdfArgon2id)),
	})
}

// IsSealed reports whether blob was produced by Seal.
func IsSealed(blob []byte) bool {
	var head struct {
		KDF string `json:"kdf"`
	}
	return json.Unmarshal(blob, &head) == nil && head.KDF != ""
}

// Open reverses Seal. A wrong passphrase is a validation error.
func Open(passphrase string, blob []byte) ([]byte, error) {
	var s sealed
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, errs.Invalid("snapshot", "not a sealed snapshot: %v", err)
	}
	if s.KDF != kdfArgon2id {
		return nil, errs.Invalid("snapshot", "unsupported kdf %q", s.KDF)
	}
	if passphrase == "" {
		return nil, errs.Invalid("passphrase", "snapshot is sealed")
	}
	if len(s.Salt) != saltBytes || len(s.Nonce) != chacha20poly1305.NonceSize {
		return nil, errs.Invalid("snapshot", "malformed sealed snapshot")
	}
	kek := deriveKEK(passphrase, s.Salt)
	defer zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, s.Nonce, s.Ciphertext, []byte(s.KDF))
	if err != nil {
		return nil, errs.Invalid("passphrase", "cannot decrypt snapshot")
	}
	return pt, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
