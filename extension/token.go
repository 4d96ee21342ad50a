package extension

import (
	"crypto/sha256"
	"time"

	"stoq/pqauth"
	"stoq/stoqerr"
	"stoq/wire"
)

func nowMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// OnPayload is called with a complete application payload — either a raw,
// unframed chunk or the product of a completed shard reassembly — together
// with the TokenFrame and/or FalconSignatureFrame that arrived alongside it
// on the same stream or datagram, if any. A stream or datagram carries one
// packet's token/signature/payload together, so the caller correlates them
// itself from its own reader rather than through a connection-wide queue
// (spec §4.4's packet_id/key_id matching, not FIFO order). A returned
// error of Kind TokenMismatch or PostQuantumAuthFailed means the payload
// must be dropped, not that the connection should close (spec §4.4, §7).
func (h *Handler) OnPayload(payload []byte, tok *wire.TokenFrame, sig *wire.FalconSignatureFrame) (*Delivery, error) {
	d := &Delivery{Payload: payload}

	if tok != nil {
		sum := sha256.Sum256(payload)
		if sum != tok.Token {
			h.mu.Lock()
			h.incValidationFailure()
			h.mu.Unlock()
			return nil, stoqerr.New(stoqerr.TokenMismatch, "extension.OnPayload", "token does not match payload hash")
		}
		d.TokenVerified = true
	}

	if sig != nil {
		if h.peerPub == nil || !pqauth.Verify(h.peerPub, payload, sig.Signature) {
			h.mu.Lock()
			h.incValidationFailure()
			h.mu.Unlock()
			return nil, stoqerr.New(stoqerr.PostQuantumAuthFailed, "extension.OnPayload", "falcon signature does not verify against peer key")
		}
		d.SignatureVerified = true
	}

	return d, nil
}
