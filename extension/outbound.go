package extension

import (
	"crypto/sha256"

	"stoq/wire"
)

// Outbound is what PrepareOutbound produces for one application write: an
// optional TokenFrame, an optional FalconSignatureFrame, and either a
// single direct payload or a ShardFrame sequence — never both (spec §4.4).
type Outbound struct {
	Token     *wire.TokenFrame
	Signature *wire.FalconSignatureFrame
	Shards    []*wire.ShardFrame
	Payload   []byte // set iff Shards is empty
}

// PrepareOutbound implements C4's outbound contract for spec §4.4: tokenize
// if enabled, then either hand back the payload directly (payload_len <=
// max_shard_size) or shard it.
func (h *Handler) PrepareOutbound(payload []byte) *Outbound {
	out := &Outbound{}

	h.mu.Lock()
	packetID := h.packetCounter + 1
	h.packetCounter = packetID
	h.mu.Unlock()

	if h.policy.TokenEnabled {
		sum := sha256.Sum256(payload)
		out.Token = &wire.TokenFrame{
			PacketID:  packetID,
			Token:     sum,
			Timestamp: nowMillis(h.now()),
		}
	}

	if h.signer != nil && h.policy.FalconSigningEnabled {
		signed, err := h.signer.Sign(payload)
		if err == nil {
			out.Signature = &wire.FalconSignatureFrame{
				KeyID:     packetID, // correlates this signature to this payload, spec §3
				Signature: signed.Signature,
				SignedAt:  nowMillis(signed.SignedAt),
			}
		}
	}

	if h.policy.MaxShardSize > 0 && uint64(len(payload)) > h.policy.MaxShardSize {
		out.Shards = h.shard(payload)
	} else {
		out.Payload = payload
	}
	return out
}

// shard splits payload into a ShardFrame sequence: a fresh shard_id, total
// = ceil(len/max_shard_size), ascending shard_index, all but the final
// shard exactly max_shard_size bytes (spec §4.4).
func (h *Handler) shard(payload []byte) []*wire.ShardFrame {
	n := h.policy.MaxShardSize

	h.mu.Lock()
	shardID := h.shardCounter + 1
	h.shardCounter = shardID
	h.mu.Unlock()

	total := uint32((uint64(len(payload)) + n - 1) / n)
	shards := make([]*wire.ShardFrame, 0, total)
	for i := uint32(0); i < total; i++ {
		start := uint64(i) * n
		end := start + n
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}
		shards = append(shards, &wire.ShardFrame{
			ShardID:     shardID,
			TotalShards: total,
			ShardIndex:  i,
			Data:        payload[start:end],
		})
	}
	return shards
}
