// Package extension implements the STOQ extension handler (C4, spec §4.4):
// producing outbound token/shard frames and validating/reassembling
// inbound frames, per connection.
package extension

import "time"

// Policy carries the per-connection knobs C4 needs, sourced from the
// negotiated transport parameters and local configuration.
type Policy struct {
	TokenEnabled bool
	// MaxShardSize is the negotiated max-shard-size transport parameter
	// (spec §4.4). Payloads larger than this are sharded.
	MaxShardSize uint64
	// ReassemblyTimeout is the age past which SweepExpired discards an
	// incomplete shard set (spec §4.4, default 5s). transport.Conn sweeps
	// whenever a ShardFrame arrives, so an expired set is discarded at the
	// next shard arrival on its connection.
	ReassemblyTimeout time.Duration
	// MaxReassemblyBytes bounds aggregate reassembly-buffer memory per
	// connection (spec §5, default 64MiB).
	MaxReassemblyBytes uint64
	// IsForwarder marks this endpoint as a HopFrame forwarder: it appends
	// its address and decrements TTL. Non-forwarding endpoints treat
	// HopFrame as informational only (spec §4.4, §9).
	IsForwarder bool
	// FalconSigningEnabled controls whether outbound payloads also get a
	// detached FalconSignatureFrame, in addition to the handshake-level
	// authentication (spec §3's FalconSignatureFrame, used here as a
	// data-plane integrity supplement the distilled spec names but leaves
	// optional).
	FalconSigningEnabled bool
}

// DefaultPolicy mirrors spec.md's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		TokenEnabled:       true,
		MaxShardSize:       1200,
		ReassemblyTimeout:  5 * time.Second,
		MaxReassemblyBytes: 64 << 20,
	}
}
