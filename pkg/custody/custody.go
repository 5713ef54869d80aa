package custody

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"

	"keyrelay/pkg/config"
	"keyrelay/pkg/errs"
	"keyrelay/pkg/logger"
)

// Policy decides whether the server ever holds private key material.
type Policy interface {
	Mode() string
	// HoldsPrivateKeys reports whether Seal accepts private keys.
	HoldsPrivateKeys() bool
	// Seal wraps priv and returns an opaque handle for storage.
	Seal(ctx context.Context, priv []byte) ([]byte, error)
	// Use unwraps handle into locked memory, passes it to fn and wipes it.
	Use(ctx context.Context, handle []byte, fn func(priv []byte) error) error
	Close() error
}

// New builds the policy named by cfg.Mode.
func New(ctx context.Context, cfg config.CustodyConfig) (Policy, error) {
	switch cfg.Mode {
	case "", config.CustodyClient:
		return ClientHeld{}, nil
	case config.CustodyServer:
		key, err := cfg.MasterKey()
		if err != nil {
			return nil, err
		}
		defer wipe(key)
		return NewServerHeld(ctx, key)
	default:
		return nil, fmt.Errorf("unknown custody mode %q", cfg.Mode)
	}
}

// ClientHeld keeps private keys on devices only.
type ClientHeld struct{}

var _ Policy = ClientHeld{}

func (ClientHeld) Mode() string { return config.CustodyClient }

func (ClientHeld) HoldsPrivateKeys() bool { return false }

func (ClientHeld) Seal(_ context.Context, priv []byte) ([]byte, error) {
	if len(priv) > 0 {
		return nil, errs.Invalid("private_key", "server does not accept private keys under client-held custody")
	}
	return nil, nil
}

func (ClientHeld) Use(context.Context, []byte, func([]byte) error) error {
	return errs.Invalid("private_key", "no private keys are held under client-held custody")
}

func (ClientHeld) Close() error { return nil }

// ServerHeld wraps private keys with an AEAD master key.
type ServerHeld struct {
	wrapper wrapping.Wrapper
	keyID   string
}

var _ Policy = (*ServerHeld)(nil)

// NewServerHeld configures an AEAD wrapper with a 32 byte master key.
func NewServerHeld(ctx context.Context, masterKey []byte) (*ServerHeld, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	sum := sha256.Sum256(masterKey)
	keyID := "keyrelay-" + hex.EncodeToString(sum[:4])

	w := aead.NewWrapper()
	_, err := w.SetConfig(ctx, wrapping.WithConfigMap(map[string]string{
		"key":    base64.StdEncoding.EncodeToString(masterKey),
		"key_id": keyID,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to configure AEAD wrapper: %w", err)
	}
	logger.Info("custody_server_held", "key_id", keyID)
	return &ServerHeld{wrapper: w, keyID: keyID}, nil
}

func (s *ServerHeld) Mode() string { return config.CustodyServer }

func (s *ServerHeld) HoldsPrivateKeys() bool { return true }

// KeyID identifies the master key that wrapped new handles.
func (s *ServerHeld) KeyID() string { return s.keyID }

func (s *ServerHeld) Seal(ctx context.Context, priv []byte) ([]byte, error) {
	if len(priv) == 0 {
		return nil, nil
	}
	blob, err := s.wrapper.Encrypt(ctx, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap private key: %w", err)
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wrapped key: %w", err)
	}
	return out, nil
}

func (s *ServerHeld) Use(ctx context.Context, handle []byte, fn func([]byte) error) error {
	if len(handle) == 0 {
		return errs.Invalid("private_key_handle", "empty handle")
	}
	var blob wrapping.BlobInfo
	if err := json.Unmarshal(handle, &blob); err != nil {
		return fmt.Errorf("failed to decode wrapped key: %w", err)
	}
	priv, err := s.wrapper.Decrypt(ctx, &blob)
	if err != nil {
		return fmt.Errorf("failed to unwrap private key: %w", err)
	}
	if err := lockMemory(priv); err != nil {
		logger.Debug("custody_mlock_failed", "error", err)
	} else {
		defer unlockMemory(priv)
	}
	defer wipe(priv)
	return fn(priv)
}

func (s *ServerHeld) Close() error {
	return nil
}

// Sign signs msg with the ed25519 identity key behind handle. The key is
// only in the clear inside Use.
func Sign(ctx context.Context, p Policy, handle, msg []byte) ([]byte, error) {
	var sig []byte
	err := p.Use(ctx, handle, func(priv []byte) error {
		if len(priv) != ed25519.PrivateKeySize {
			return fmt.Errorf("unwrapped identity key has %d bytes", len(priv))
		}
		sig = ed25519.Sign(ed25519.PrivateKey(priv), msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
