// Package pqauth wraps FALCON-1024 key generation, signing, and
// verification for STOQ's hybrid post-quantum handshake authentication
// (spec §4.3). It treats the underlying FALCON primitive as an opaque
// dependency with documented key/signature sizes, per spec.md's explicit
// instruction for C3.
package pqauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/algorand/falcon"
	"github.com/algorandfoundation/falcon-signatures/falcongo"

	"stoq/stoqerr"
)

// seedSize is the amount of entropy fed into falcongo's deterministic
// keypair derivation.
const seedSize = 48

// KeyPair is a FALCON keypair. The private half never leaves this type;
// callers only ever see the public key and signatures it produces.
type KeyPair struct {
	inner *falcongo.KeyPair
	seed  []byte // retained only so the keypair can be re-derived for caching
}

// GenerateKeypair creates a fresh FALCON keypair from system randomness.
func GenerateKeypair() (*KeyPair, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, stoqerr.Wrap(stoqerr.Handshake, "pqauth.GenerateKeypair", "failed to read random seed", err)
	}
	return fromSeed(seed)
}

// fromSeed deterministically rebuilds a keypair from a stored seed, used by
// the on-disk key cache (spec §6.4).
func fromSeed(seed []byte) (*KeyPair, error) {
	kp, err := falcongo.GenerateKeyPair(seed)
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Handshake, "pqauth.fromSeed", "falcon key generation failed", err)
	}
	return &KeyPair{inner: kp, seed: seed}, nil
}

// PublicKey returns the wire-format public key bytes.
func (k *KeyPair) PublicKey() []byte {
	return append([]byte(nil), k.inner.PublicKey[:]...)
}

// Seed returns the seed this keypair was derived from, for callers that
// persist it (e.g. the key cache). It must never be sent over the wire.
func (k *KeyPair) Seed() []byte {
	return append([]byte(nil), k.seed...)
}

// SignedMessage pairs a detached signature with the timestamp it was
// produced at (spec §4.3's "a signed_at timestamp accompanies each
// signature").
type SignedMessage struct {
	Signature []byte
	SignedAt  time.Time
}

// Sign produces a detached FALCON signature over msg.
func (k *KeyPair) Sign(msg []byte) (*SignedMessage, error) {
	sig, err := k.inner.Sign(msg)
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Handshake, "pqauth.Sign", "falcon signing failed", err)
	}
	return &SignedMessage{Signature: sig, SignedAt: time.Now()}, nil
}

// Verify checks a detached FALCON signature over msg against a wire-format
// public key. It never panics on malformed input; a badly-sized key or
// signature simply fails verification.
func Verify(pub []byte, msg []byte, sig []byte) bool {
	var pk falcon.PublicKey
	if len(pub) != len(pk) {
		return false
	}
	copy(pk[:], pub)
	return falcongo.Verify(msg, falcon.CompressedSignature(sig), pk) == nil
}

// KeyID derives a stable local identifier for a public key, used to
// correlate FalconSignatureFrames and handshake parameters back to the key
// that produced them (spec §3's FalconSignatureFrame.key_id).
func KeyID(pub []byte) uint64 {
	sum := sha256.Sum256(pub)
	return binary.BigEndian.Uint64(sum[:8])
}

// FreshnessWindow checks whether signedAt is within window of now. It is
// never enforced on the handshake signature — the TLS transcript already
// provides replay binding there (spec §4.3) — but application-layer
// verifiers of FalconSignatureFrame MAY call this with the recommended
// 5-minute window.
func FreshnessWindow(signedAt time.Time, now time.Time, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	age := now.Sub(signedAt)
	if age < 0 {
		age = -age
	}
	if age > window {
		return stoqerr.New(stoqerr.PostQuantumAuthFailed, "pqauth.FreshnessWindow", "signature outside freshness window")
	}
	return nil
}
