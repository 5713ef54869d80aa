// Package fingerprint renders numeric safety numbers for a pair of identity
// keys. Both parties compute the same number regardless of who goes first.
package fingerprint

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/keys"
	"keyrelay/pkg/store"
)

const (
	Iterations = 5200
	Version    = 0
	// Digits is the length of a full safety number.
	Digits = 60

	chunks    = 6
	chunkSize = 5
)

// half hashes one key into its 30 digit half of the safety number.
func half(key []byte) string {
	h := sha512.New()
	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], Version)
	h.Write(ver[:])
	h.Write(key)
	digest := h.Sum(nil)
	for i := 1; i < Iterations; i++ {
		h.Reset()
		h.Write(digest)
		h.Write(key)
		digest = h.Sum(digest[:0])
	}

	var sb strings.Builder
	for i := 0; i < chunks; i++ {
		c := digest[i*chunkSize : (i+1)*chunkSize]
		v := uint64(c[0])<<32 | uint64(c[1])<<24 | uint64(c[2])<<16 | uint64(c[3])<<8 | uint64(c[4])
		fmt.Fprintf(&sb, "%05d", v%100000)
	}
	return sb.String()
}

// Compute returns the 60 digit safety number for two identity keys.
// Compute(a, b) == Compute(b, a).
func Compute(keyA, keyB []byte) (string, error) {
	if err := keys.ValidateIdentityKey(keyA); err != nil {
		return "", err
	}
	if err := keys.ValidateIdentityKey(keyB); err != nil {
		return "", err
	}
	a, b := half(keyA), half(keyB)
	if a > b || (a == b && bytes.Compare(keyA, keyB) > 0) {
		a, b = b, a
	}
	return a + b, nil
}

// Format splits a safety number into space separated groups of five.
func Format(number string) string {
	var parts []string
	for len(number) > chunkSize {
		parts = append(parts, number[:chunkSize])
		number = number[chunkSize:]
	}
	if number != "" {
		parts = append(parts, number)
	}
	return strings.Join(parts, " ")
}

// Normalize strips whitespace from a claimed safety number.
func Normalize(claimed string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, claimed)
}

// Service verifies safety numbers against stored identities.
type Service struct {
	store *store.Store
}

func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// primaryKey is the identity key of the user's lowest numbered device.
func (s *Service) primaryKey(userID string) ([]byte, error) {
	if userID == "" {
		return nil, errs.Invalid("user_id", "required")
	}
	ids, err := s.store.ListIdentities(userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errs.NotFound("identity", userID)
	}
	return ids[0].IdentityKey, nil
}

// ComputeForUsers returns the safety number between two users' primary
// identities.
func (s *Service) ComputeForUsers(ctx context.Context, userID, remoteUserID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a, err := s.primaryKey(userID)
	if err != nil {
		return "", err
	}
	b, err := s.primaryKey(remoteUserID)
	if err != nil {
		return "", err
	}
	return Compute(a, b)
}

// Verify reports whether claimed matches the current safety number between
// the two users. A mismatch is not an error.
func (s *Service) Verify(ctx context.Context, userID, remoteUserID, claimed string) (bool, error) {
	want, err := s.ComputeForUsers(ctx, userID, remoteUserID)
	if err != nil {
		return false, err
	}
	return Matches(want, claimed), nil
}

// Matches compares a computed fingerprint with one entered or scanned by
// a user, ignoring grouping whitespace.
func Matches(computed, claimed string) bool {
	return subtle.ConstantTimeCompare([]byte(Normalize(claimed)), []byte(computed)) == 1
}
