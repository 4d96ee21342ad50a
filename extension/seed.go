package extension

import "stoq/wire"

// SeedInfo is the metadata a SeedFrame contributes, handed to the caller
// for whatever seed-reference bookkeeping it does above C4 (spec §3, §4.4:
// SeedFrame is opaque to the extension handler, which only validates shape
// and passes it through).
type SeedInfo struct {
	SeedID            uint64
	SeedHash          [32]byte
	ReplicationFactor uint8
}

// OnSeedFrame passes a SeedFrame's fields through unchanged. C4 does not
// interpret seed references; it is pure metadata for upper layers (spec
// §4.4).
func (h *Handler) OnSeedFrame(f *wire.SeedFrame) SeedInfo {
	return SeedInfo{
		SeedID:            f.SeedID,
		SeedHash:          f.SeedHash,
		ReplicationFactor: f.ReplicationFactor,
	}
}
