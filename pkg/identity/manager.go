// Package identity registers device identities and runs the operations
// that touch all of a user's key material at once: reset, export and
// import.
package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"keyrelay/pkg/custody"
	"keyrelay/pkg/errs"
	"keyrelay/pkg/keys"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

type Manager struct {
	store   *store.Store
	custody custody.Policy
	clock   models.Clock
}

type Options struct {
	Clock models.Clock
	// Custody decides whether private keys are accepted. Nil means
	// client-held.
	Custody custody.Policy
}

func New(s *store.Store, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = models.SystemClock()
	}
	if opts.Custody == nil {
		opts.Custody = custody.ClientHeld{}
	}
	return &Manager{store: s, custody: opts.Custody, clock: opts.Clock}
}

// material is a resolved identity key pair. priv is only set when the
// server generated or received the private key.
type material struct {
	public ed25519.PublicKey
	priv   ed25519.PrivateKey
}

// resolveKeys turns a registration into key material according to the
// custody policy. Under server-held custody a registration without keys
// gets a freshly generated pair.
func (m *Manager) resolveKeys(reg models.IdentityRegistration) (*material, error) {
	if len(reg.PrivateKey) > 0 && !m.custody.HoldsPrivateKeys() {
		return nil, errs.Invalid("private_key", "server does not accept private keys under client-held custody")
	}
	switch {
	case len(reg.PrivateKey) > 0:
		if len(reg.PrivateKey) != ed25519.PrivateKeySize {
			return nil, errs.Invalid("private_key", "expected %d bytes, got %d", ed25519.PrivateKeySize, len(reg.PrivateKey))
		}
		priv := ed25519.PrivateKey(reg.PrivateKey)
		pub := priv.Public().(ed25519.PublicKey)
		if len(reg.IdentityKey) > 0 && !bytes.Equal(reg.IdentityKey, pub) {
			return nil, errs.Invalid("identity_key", "does not match private key")
		}
		return &material{public: pub, priv: priv}, nil
	case len(reg.IdentityKey) > 0:
		if err := keys.ValidateIdentityKey(reg.IdentityKey); err != nil {
			return nil, err
		}
		return &material{public: ed25519.PublicKey(reg.IdentityKey)}, nil
	case m.custody.HoldsPrivateKeys():
		pub, priv, err := keys.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		return &material{public: pub, priv: priv}, nil
	default:
		return nil, errs.Invalid("identity_key", "required")
	}
}

func (m *Manager) newIdentity(ctx context.Context, userID string, deviceID uint32, regID uint32, mat *material, generation uint32) (*models.Identity, error) {
	if regID == 0 {
		var err error
		if regID, err = keys.NewRegistrationID(); err != nil {
			return nil, err
		}
	}
	handle, err := m.custody.Seal(ctx, mat.priv)
	if err != nil {
		return nil, err
	}
	return &models.Identity{
		UserID:           userID,
		DeviceID:         deviceID,
		IdentityKey:      mat.public,
		RegistrationID:   regID,
		PrivateKeyHandle: handle,
		Generation:       generation,
		CreatedTS:        m.clock.Now().UnixNano(),
	}, nil
}

// RegisterIdentity creates the identity of a new device. A device that
// already has one must be reset instead.
func (m *Manager) RegisterIdentity(ctx context.Context, reg models.IdentityRegistration) (*models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := models.ValidateDevice(reg.UserID, reg.DeviceID); err != nil {
		return nil, err
	}
	mat, err := m.resolveKeys(reg)
	if err != nil {
		return nil, err
	}

	release := m.store.Locks().Lock(store.UserLockKey(reg.UserID))
	defer release()

	if _, err := m.store.GetIdentity(reg.UserID, reg.DeviceID); err == nil {
		return nil, errs.Conflict("identity", fmt.Sprintf("%s/%d", reg.UserID, reg.DeviceID), "")
	} else if !errs.IsNotFound(err) {
		return nil, err
	}
	// only reset advances the generation
	id, err := m.newIdentity(ctx, reg.UserID, reg.DeviceID, reg.RegistrationID, mat, 0)
	if err != nil {
		return nil, err
	}
	b := m.store.NewBatch()
	defer b.Discard()
	if err := b.PutIdentity(id); err != nil {
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("register identity: %w", err)
	}
	logger.AuditEvent("identity_registered", "user", reg.UserID, "device", reg.DeviceID, "registration_id", id.RegistrationID, "custody", m.custody.Mode())
	return id, nil
}

func (m *Manager) Get(ctx context.Context, userID string, deviceID uint32) (*models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := models.ValidateDevice(userID, deviceID); err != nil {
		return nil, err
	}
	return m.store.GetIdentity(userID, deviceID)
}

// Devices returns the current identities of all of a user's devices.
func (m *Manager) Devices(ctx context.Context, userID string) ([]models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errs.Invalid("user_id", "required")
	}
	return m.store.ListIdentities(userID)
}

// Tombstones returns the audit records of a user's resets.
func (m *Manager) Tombstones(ctx context.Context, userID string) ([]models.Tombstone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.store.ListTombstones(userID)
}
