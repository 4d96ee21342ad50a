package extension

import (
	"sync"
	"time"

	"stoq/pqauth"
)

// Delivery is one application payload handed up from C4 to the facade,
// along with the validation that happened on the way.
type Delivery struct {
	Payload           []byte
	TokenVerified     bool
	SignatureVerified bool
}

// Handler is the per-connection C4 extension handler. It owns the
// outbound packet/shard counters and the shard reassembly buffers for
// exactly one connection (spec §3: "Shard reassembly buffers are created
// on first shard of a set and destroyed on reassembly or timeout").
// Inbound TokenFrame/FalconSignatureFrame correlation to a payload is the
// caller's job (spec §4.4's packet_id/key_id matching is exact, not FIFO
// order, so it is done per stream/datagram in transport.Conn.consumeFrames
// rather than through a connection-wide queue here).
type Handler struct {
	policy Policy
	signer *pqauth.KeyPair // local keypair, nil if signing disabled
	peerPub []byte         // captured once at handshake, immutable thereafter

	packetCounter uint64
	shardCounter  uint64

	mu                 sync.Mutex
	reassembly         map[uint64]*shardSet
	reassemblyOrder    []uint64 // insertion order, oldest first, for §5 eviction
	reassemblyBytes    uint64
	validationFailures uint64
	evictions          uint64

	now func() time.Time // overridable for tests
}

type shardSet struct {
	totalShards uint32
	received    map[uint32][]byte
	bytes       uint64
	createdAt   time.Time
}

// NewHandler builds a Handler for one connection. peerPub is the peer's
// FALCON public key captured during handshake (nil if PQ auth is off or
// degraded); it is never replaced for the lifetime of the connection
// (spec invariant 4).
func NewHandler(policy Policy, signer *pqauth.KeyPair, peerPub []byte) *Handler {
	return &Handler{
		policy:     policy,
		signer:     signer,
		peerPub:    append([]byte(nil), peerPub...),
		reassembly: make(map[uint64]*shardSet),
		now:        time.Now,
	}
}

// ValidationFailures returns the running count of dropped payloads due to
// token mismatch, signature mismatch, or shard-set poisoning.
func (h *Handler) ValidationFailures() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.validationFailures
}

// ReassemblyBytes returns the current aggregate bytes held in shard
// reassembly buffers (spec P9).
func (h *Handler) ReassemblyBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reassemblyBytes
}

func (h *Handler) incValidationFailure() {
	h.validationFailures++
}
