// Package handshake implements C5, the FALCON-1024 hybrid post-quantum
// handshake extension layered alongside the TLS 1.3 handshake QUIC already
// performs (spec §4.3). STOQ does not replace TLS's key exchange; it binds
// an additional FALCON signature to the TLS transcript so a peer is also
// authenticated against a post-quantum-secure identity.
package handshake

import (
	"crypto/tls"

	"stoq/pqauth"
	"stoq/stoqerr"
	"stoq/tparams"
	"stoq/wire"
)

// nonceLabel is the ExportKeyingMaterial label used to derive a
// handshake-transcript-bound nonce (spec §9 open question: quic-go has no
// public hook to piggyback arbitrary bytes onto the TLS transcript itself,
// so the binding nonce is instead derived FROM the completed transcript).
const nonceLabel = "stoq falcon handshake binding"

// RequireLevel is local policy for how strictly PQ authentication is
// enforced (spec §4.3, §6.3's --falcon flag).
type RequireLevel int

const (
	// Required means a peer that doesn't complete FALCON auth is rejected.
	Required RequireLevel = iota
	// Preferred means STOQ attempts FALCON auth but degrades to
	// TLS-only if the peer doesn't support it.
	Preferred
	// Off disables FALCON auth entirely.
	Off
)

// Config carries the local FALCON identity and enforcement policy for one
// endpoint.
type Config struct {
	Level  RequireLevel
	Signer *pqauth.KeyPair // nil if this endpoint has no FALCON identity
}

// Result is what a completed (or degraded) handshake produces for C4/C7 to
// consume.
type Result struct {
	// PeerFalconPublicKey is nil unless FALCON auth completed successfully.
	// Once set it must never be replaced for the life of the connection
	// (spec invariant 4).
	PeerFalconPublicKey []byte
	Degraded            bool
}

// Propose builds the local outbound transport parameters this handshake
// contributes: extensions-enabled and, if a signer is configured and
// policy permits, falcon-enabled plus the local public key (spec §4.2).
func Propose(cfg Config) tparams.Set {
	s := tparams.Set{}.WithExtensionsEnabled(true)
	if cfg.Level == Off || cfg.Signer == nil {
		return s.WithFalconEnabled(false)
	}
	return s.WithFalconEnabled(true).WithFalconPublicKey(cfg.Signer.PublicKey())
}

// DeriveNonce derives a handshake-transcript-bound nonce from the
// completed TLS connection state, so the FALCON signature is bound to this
// specific handshake and cannot be replayed against a different one.
func DeriveNonce(cs *tls.ConnectionState) ([]byte, error) {
	nonce, err := cs.ExportKeyingMaterial(nonceLabel, nil, 32)
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Handshake, "handshake.DeriveNonce", "failed to export keying material", err)
	}
	return nonce, nil
}

// bindingMessage is the exact byte sequence a FALCON signature covers:
// the signer's own public key, the endpoint id of the party the signature
// is addressed to, and the transcript-bound nonce (spec §4.3).
func bindingMessage(signerPub, addressedTo, nonce []byte) []byte {
	msg := make([]byte, 0, len(signerPub)+len(addressedTo)+len(nonce))
	msg = append(msg, signerPub...)
	msg = append(msg, addressedTo...)
	msg = append(msg, nonce...)
	return msg
}

// SignBinding produces this endpoint's outbound FalconSignatureFrame,
// binding its public key to the peer's endpoint id and the handshake
// transcript.
func SignBinding(cfg Config, cs *tls.ConnectionState, peerEndpointID []byte) (*wire.FalconSignatureFrame, error) {
	if cfg.Signer == nil {
		return nil, stoqerr.New(stoqerr.Handshake, "handshake.SignBinding", "no local FALCON identity configured")
	}
	nonce, err := DeriveNonce(cs)
	if err != nil {
		return nil, err
	}
	pub := cfg.Signer.PublicKey()
	signed, err := cfg.Signer.Sign(bindingMessage(pub, peerEndpointID, nonce))
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Handshake, "handshake.SignBinding", "falcon signing failed", err)
	}
	return &wire.FalconSignatureFrame{
		KeyID:     pqauth.KeyID(pub),
		Signature: signed.Signature,
		SignedAt:  uint64(signed.SignedAt.UnixMilli()),
	}, nil
}

// Complete verifies the peer's side of the handshake binding and decides
// whether the connection proceeds, degrades to TLS-only, or fails (spec
// §4.3, §7). localEndpointID is this endpoint's own id, which the peer's
// signature must have been addressed to.
func Complete(cfg Config, cs *tls.ConnectionState, localEndpointID []byte, peerParams tparams.Set, peerSig *wire.FalconSignatureFrame) (*Result, error) {
	if cfg.Level == Off {
		return &Result{Degraded: true}, nil
	}

	peerOffers := peerParams.FalconEnabled != nil && *peerParams.FalconEnabled && len(peerParams.FalconPublicKey) > 0
	if !peerOffers || peerSig == nil {
		if cfg.Level == Required {
			return nil, stoqerr.New(stoqerr.PostQuantumUnavailable, "handshake.Complete", "peer did not offer FALCON authentication")
		}
		return &Result{Degraded: true}, nil
	}

	nonce, err := DeriveNonce(cs)
	if err != nil {
		return nil, err
	}
	msg := bindingMessage(peerParams.FalconPublicKey, localEndpointID, nonce)
	if !pqauth.Verify(peerParams.FalconPublicKey, msg, peerSig.Signature) {
		return nil, stoqerr.New(stoqerr.PostQuantumAuthFailed, "handshake.Complete", "peer FALCON signature does not verify")
	}
	// No freshness window is enforced here (spec §4.3: "The handshake path
	// does not enforce freshness — the TLS transcript provides replay
	// binding"). FreshnessWindow is only for application-layer verifiers of
	// a data-plane FalconSignatureFrame.

	return &Result{PeerFalconPublicKey: append([]byte(nil), peerParams.FalconPublicKey...)}, nil
}
