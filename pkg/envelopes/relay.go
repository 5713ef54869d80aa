// Package envelopes validates and records message envelopes. Recorded
// envelopes are never modified.
package envelopes

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

const maxMessageIDLen = 128

type Relay struct {
	store *store.Store
	clock models.Clock
}

func New(s *store.Store, clock models.Clock) *Relay {
	if clock == nil {
		clock = models.SystemClock()
	}
	return &Relay{store: s, clock: clock}
}

// Validate checks the structural rules of an envelope. It does not look
// at the store.
func Validate(meta *models.EnvelopeMetadata) error {
	if !meta.CipherType.Valid() {
		return errs.Invalid("cipher_type", "unknown cipher type %q", meta.CipherType)
	}
	if meta.DeviceID == 0 {
		return errs.Invalid("device_id", "must be a positive integer")
	}
	if len(meta.MessageID) > maxMessageIDLen {
		return errs.Invalid("message_id", "longer than %d bytes", maxMessageIDLen)
	}
	if meta.CipherType.IsGroup() {
		if len(meta.SenderKeyDistribution) == 0 {
			return errs.Invalid("sender_key_distribution", "required for %s envelopes", meta.CipherType)
		}
		if meta.GroupID == "" || meta.SenderID == "" {
			return errs.Invalid("group_id", "group envelopes need group_id and sender_id")
		}
		return nil
	}
	if len(meta.SenderKeyDistribution) > 0 {
		return errs.Invalid("sender_key_distribution", "only allowed for %s envelopes", models.CipherSenderKey)
	}
	if meta.GroupID != "" {
		return errs.Invalid("group_id", "only allowed for %s envelopes", models.CipherSenderKey)
	}
	return nil
}

// Record stores an envelope and returns it as written. An empty MessageID
// is replaced with a random UUID.
func (r *Relay) Record(ctx context.Context, meta models.EnvelopeMetadata, ciphertext []byte) (*models.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Validate(&meta); err != nil {
		return nil, err
	}
	if meta.CipherType.IsGroup() {
		a := models.SenderKeyAddress{GroupID: meta.GroupID, SenderID: meta.SenderID, DeviceID: meta.DeviceID}
		if _, err := r.store.GetSenderKey(a); err != nil {
			if errs.IsNotFound(err) {
				return nil, errs.Invalid("sender_key_distribution", "no sender key distributed for %s/%s/%d", a.GroupID, a.SenderID, a.DeviceID)
			}
			return nil, err
		}
	}
	if meta.MessageID == "" {
		meta.MessageID = uuid.NewString()
	}

	release := r.store.Locks().Lock(store.GenEnvelopeKey(meta.MessageID))
	defer release()

	exists, err := r.store.HasEnvelope(meta.MessageID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.Conflict("envelope", meta.MessageID, "")
	}
	meta.CreatedTS = r.clock.Now().UnixNano()
	env := &models.Envelope{EnvelopeMetadata: meta, Ciphertext: ciphertext}

	b := r.store.NewBatch()
	defer b.Discard()
	if err := b.PutEnvelope(env); err != nil {
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("record envelope: %w", err)
	}
	metrics.EnvelopesRecorded.WithLabelValues(string(meta.CipherType)).Inc()
	logger.Debug("envelope_recorded", "message_id", meta.MessageID, "cipher_type", meta.CipherType, "bytes", len(ciphertext))
	return env, nil
}

func (r *Relay) Get(ctx context.Context, messageID string) (*models.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if messageID == "" {
		return nil, errs.Invalid("message_id", "required")
	}
	return r.store.GetEnvelope(messageID)
}
