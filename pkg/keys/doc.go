// Package keys validates and generates the public key material the service
// handles.
//
// Identity keys are ed25519 public keys. Prekeys (one-time and signed) are
// X25519 public keys, accepted either raw (32 bytes) or with the 0x05 type
// prefix used by Signal-compatible clients (33 bytes). A signed prekey's
// signature is an ed25519 signature by the identity key over the prekey's
// public key exactly as submitted.
//
// The package never performs key agreement; it only checks that what
// clients publish is well formed so a peer cannot be handed a degenerate key.
package keys
