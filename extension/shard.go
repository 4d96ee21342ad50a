package extension

import (
	"time"

	"stoq/wire"
)

// ShardResult reports the outcome of feeding one ShardFrame into the
// per-shard_id reassembly buffer.
type ShardResult struct {
	// Complete is true iff this frame completed its set; Payload holds the
	// reassembled bytes in that case.
	Complete bool
	Payload  []byte
	// Dropped is true iff this frame caused its whole buffered set to be
	// discarded: a total_shards mismatch poisoned the set (spec §4.4's
	// "tie-break" rule), or adding this frame's bytes pushed the connection
	// over MaxReassemblyBytes and the set was evicted as the oldest.
	Dropped bool
}

// OnShardFrame implements C4's shard reassembly (spec §4.4, invariant 2,
// P3, P9): duplicates are idempotent, a total_shards disagreement poisons
// the whole set, and the aggregate buffer is bounded by evicting the
// oldest incomplete set.
func (h *Handler) OnShardFrame(f *wire.ShardFrame) *ShardResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.reassembly[f.ShardID]
	if !ok {
		set = &shardSet{
			totalShards: f.TotalShards,
			received:    make(map[uint32][]byte),
			createdAt:   h.now(),
		}
		h.reassembly[f.ShardID] = set
		h.reassemblyOrder = append(h.reassemblyOrder, f.ShardID)
	} else if set.totalShards != f.TotalShards {
		h.discardSetLocked(f.ShardID, set)
		h.incValidationFailure()
		return &ShardResult{Dropped: true}
	}

	if _, dup := set.received[f.ShardIndex]; dup {
		// First arrival wins; later duplicates of the same index are
		// idempotent (spec §4.4).
		return &ShardResult{}
	}

	set.received[f.ShardIndex] = f.Data
	set.bytes += uint64(len(f.Data))
	h.reassemblyBytes += uint64(len(f.Data))

	h.enforceBudgetLocked()

	// The set we just touched may itself have been evicted above if it was
	// the oldest and budget was exceeded; guard before treating it as
	// live.
	if _, stillLive := h.reassembly[f.ShardID]; !stillLive {
		return &ShardResult{Dropped: true}
	}

	if uint32(len(set.received)) == set.totalShards {
		payload := make([]byte, 0, set.bytes)
		for i := uint32(0); i < set.totalShards; i++ {
			payload = append(payload, set.received[i]...)
		}
		h.discardSetLocked(f.ShardID, set)
		return &ShardResult{Complete: true, Payload: payload}
	}
	return &ShardResult{}
}

// enforceBudgetLocked evicts the oldest incomplete shard set(s) until the
// connection is back under MaxReassemblyBytes (spec §5, P9). Must be
// called with h.mu held.
func (h *Handler) enforceBudgetLocked() {
	if h.policy.MaxReassemblyBytes == 0 {
		return
	}
	for h.reassemblyBytes > h.policy.MaxReassemblyBytes && len(h.reassemblyOrder) > 0 {
		oldest := h.reassemblyOrder[0]
		h.reassemblyOrder = h.reassemblyOrder[1:]
		if set, ok := h.reassembly[oldest]; ok {
			h.reassemblyBytes -= set.bytes
			delete(h.reassembly, oldest)
			h.evictions++
		}
	}
}

// discardSetLocked removes a shard set from both the map and the ordering
// slice. Must be called with h.mu held.
func (h *Handler) discardSetLocked(id uint64, set *shardSet) {
	h.reassemblyBytes -= set.bytes
	delete(h.reassembly, id)
	for i, v := range h.reassemblyOrder {
		if v == id {
			h.reassemblyOrder = append(h.reassemblyOrder[:i], h.reassemblyOrder[i+1:]...)
			break
		}
	}
}

// SweepExpired discards incomplete shard sets older than
// policy.ReassemblyTimeout, returning their shard_ids so the caller can
// log a ShardReassemblyTimeout (spec §4.4, §7).
func (h *Handler) SweepExpired(now func() time.Time) []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	nowT := h.now()
	if now != nil {
		nowT = now()
	}

	var expired []uint64
	var kept []uint64
	for _, id := range h.reassemblyOrder {
		set, ok := h.reassembly[id]
		if !ok {
			continue
		}
		if nowT.Sub(set.createdAt) > h.policy.ReassemblyTimeout {
			h.reassemblyBytes -= set.bytes
			delete(h.reassembly, id)
			expired = append(expired, id)
			continue
		}
		kept = append(kept, id)
	}
	h.reassemblyOrder = kept
	return expired
}
