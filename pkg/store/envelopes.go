package store

import (
	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
)

func (s *Store) GetEnvelope(messageID string) (*models.Envelope, error) {
	var env models.Envelope
	ok, err := s.getJSON(GenEnvelopeKey(messageID), &env)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("envelope", messageID)
	}
	return &env, nil
}

func (s *Store) HasEnvelope(messageID string) (bool, error) {
	return s.has(GenEnvelopeKey(messageID))
}

func (b *Batch) PutEnvelope(env *models.Envelope) error {
	return b.setJSON(GenEnvelopeKey(env.MessageID), env)
}
