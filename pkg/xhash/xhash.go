// Copyright 2025 Certen Protocol
//
// Hashing & signing primitives for the attestation data plane.
//
// content_hash is SHA-256 and MUST be used for every value that is ever
// signed or anchored on-ledger (prev_root, entries_root, model_hash,
// firmware_hash, payload_hash, checkpoint IDs). fast_hash is BLAKE3 and is
// reserved for transient, non-anchored, in-memory paths only — see the
// callers in pkg/merklelog for the only sanctioned use.

package xhash

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"lukechampine.com/blake3"
)

// Hash256 is a fixed 32-byte content address. Its zero value is reserved as
// the "no previous" sentinel for genesis checkpoints and empty Merkle trees.
type Hash256 [32]byte

// IsZero reports whether h is the all-zero sentinel value.
func (h Hash256) IsZero() bool {
	var zero Hash256
	return subtle.ConstantTimeCompare(h[:], zero[:]) == 1
}

// Bytes returns a copy of the hash as a slice.
func (h Hash256) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, h[:])
	return out
}

// ContentHash computes the collision-resistant content address used for
// everything signed or anchored on-ledger.
func ContentHash(b []byte) Hash256 {
	return Hash256(sha256.Sum256(b))
}

// FastHash computes a BLAKE3-256 digest. Reserved for transient, off-ledger
// lookups (cache keys, in-memory leaf indices) — never for a value that is
// signed or anchored.
func FastHash(b []byte) Hash256 {
	return Hash256(blake3.Sum256(b))
}

const (
	// SignatureSize is the fixed length of an EdDSA signature.
	SignatureSize = ed25519.SignatureSize
	// PublicKeySize is the fixed length of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
)

// Signature is a 64-byte EdDSA signature.
type Signature [SignatureSize]byte

// PublicKey is a 32-byte Ed25519 public key.
type PublicKey [PublicKeySize]byte

// PrivateKey is a signing key capable of producing deterministic EdDSA
// signatures (no RNG consumed at signing time).
type PrivateKey ed25519.PrivateKey

// GenerateKey creates a fresh Ed25519 key pair.
func GenerateKey() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	var pk PublicKey
	copy(pk[:], pub)
	return pk, PrivateKey(priv), nil
}

// Sign produces a deterministic EdDSA signature over msg.
func Sign(priv PrivateKey, msg []byte) Signature {
	sig := ed25519.Sign(ed25519.PrivateKey(priv), msg)
	var out Signature
	copy(out[:], sig)
	return out
}

// Verify checks an EdDSA signature. It never panics on malformed input.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

// Public derives the public key carried by a private key.
func (priv PrivateKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
	return pk
}
