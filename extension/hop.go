package extension

import (
	"net/netip"

	"stoq/wire"
)

// HopOutcome reports what happened to an inbound HopFrame.
type HopOutcome struct {
	// Forward is set when this endpoint is a forwarder and the frame
	// should be re-emitted with Forward's TTL already decremented and
	// LocalAddr already appended.
	Forward *wire.HopFrame
	// Dropped is true when TTL reached zero and the frame must be
	// discarded rather than forwarded (spec §4.4, §9).
	Dropped bool
}

// OnHopFrame implements C4's HopFrame handling (spec §4.4, §9): a
// non-forwarding endpoint treats the frame as informational only; a
// forwarder appends localAddr and decrements TTL, dropping the frame once
// TTL reaches zero.
func (h *Handler) OnHopFrame(f *wire.HopFrame, localAddr func() (netip.Addr, bool)) *HopOutcome {
	if !h.policy.IsForwarder {
		return &HopOutcome{}
	}
	if f.TTL == 0 {
		return &HopOutcome{Dropped: true}
	}

	hops := make([]netip.Addr, 0, len(f.Hops)+1)
	hops = append(hops, f.Hops...)
	if localAddr != nil {
		if addr, ok := localAddr(); ok {
			hops = append(hops, addr)
		}
	}

	return &HopOutcome{Forward: &wire.HopFrame{
		Hops: hops,
		TTL:  f.TTL - 1,
	}}
}
