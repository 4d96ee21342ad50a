// Package adaptive implements C6, the live network-condition controller
// (spec §4.5): it classifies measured bandwidth into one of six tiers and
// retunes QUIC connection parameters for the connection's current tier,
// with hysteresis so brief fluctuations don't cause thrashing.
package adaptive

// Tier is a coarse bandwidth classification STOQ retunes connection
// parameters around (spec §4.5).
type Tier int

const (
	Slow Tier = iota
	Home
	Standard
	Performance
	Enterprise
	DataCenter
)

func (t Tier) String() string {
	switch t {
	case Slow:
		return "slow"
	case Home:
		return "home"
	case Standard:
		return "standard"
	case Performance:
		return "performance"
	case Enterprise:
		return "enterprise"
	case DataCenter:
		return "datacenter"
	default:
		return "unknown"
	}
}

// CongestionController identifies which congestion-control strategy a
// tier's target parameters prescribe (spec §4.5's tier table "example
// parameter target" column). The underlying QUIC stack is the actual
// collaborator that implements these; STOQ only records and propagates
// the chosen kind (spec §3's congestion_controller_kind).
type CongestionController int

const (
	CongestionConservative CongestionController = iota
	CongestionLossBased
	CongestionBBRLike
)

func (c CongestionController) String() string {
	switch c {
	case CongestionConservative:
		return "conservative"
	case CongestionLossBased:
		return "loss-based"
	case CongestionBBRLike:
		return "bbr-like"
	default:
		return "unknown"
	}
}

// ConnectionParameters is the mutable, atomically-swapped parameter set
// C6 retunes (spec §3's "Connection parameters (mutable)", §4.5, §9's
// "atomic parameter update" design note).
type ConnectionParameters struct {
	MaxStreamWindow         uint64
	MaxConnectionWindow     uint64
	MaxConcurrentBidiStreams uint64
	MaxConcurrentUniStreams  uint64
	MaxIdleMs               uint64
	KeepAliveMs              uint64
	MaxDatagramSize          uint32
	CongestionControllerKind CongestionController

	// FlowControlWindow is an alias view onto MaxConnectionWindow, kept
	// for callers (and P6's "never lower a flow-control window below
	// outstanding bytes" clamp) that only care about the aggregate window
	// rather than the full parameter set.
	FlowControlWindow uint64
	// MaxStreams mirrors MaxConcurrentBidiStreams for callers that don't
	// distinguish bidi/uni concurrency.
	MaxStreams uint64
}

type tierBand struct {
	minMbps uint64 // inclusive, in Mbps
	maxMbps uint64 // exclusive, in Mbps; 0 means unbounded
	params  ConnectionParameters
}

func params(streamWindow, connWindow uint64, bidi, uni uint64, maxIdleMs, keepaliveMs uint64, mtu uint32, cc CongestionController) ConnectionParameters {
	return ConnectionParameters{
		MaxStreamWindow:          streamWindow,
		MaxConnectionWindow:      connWindow,
		MaxConcurrentBidiStreams: bidi,
		MaxConcurrentUniStreams:  uni,
		MaxIdleMs:                maxIdleMs,
		KeepAliveMs:              keepaliveMs,
		MaxDatagramSize:          mtu,
		CongestionControllerKind: cc,
		FlowControlWindow:        connWindow,
		MaxStreams:               bidi,
	}
}

// tierTable maps Mbps bandwidth bands to tiers and their target parameters,
// reproducing spec §4.5's tier table verbatim.
var tierTable = map[Tier]tierBand{
	Slow: {
		minMbps: 0, maxMbps: 100,
		params: params(256<<10, 256<<10, 10, 10, 30000, 15000, 1200, CongestionConservative),
	},
	Home: {
		minMbps: 100, maxMbps: 1000,
		params: params(2<<20, 2<<20, 50, 50, 30000, 10000, 1500, CongestionLossBased),
	},
	Standard: {
		minMbps: 1000, maxMbps: 2500,
		params: params(8<<20, 8<<20, 100, 100, 30000, 8000, 9000, CongestionBBRLike),
	},
	Performance: {
		minMbps: 2500, maxMbps: 10000,
		params: params(16<<20, 16<<20, 200, 200, 30000, 5000, 9000, CongestionBBRLike),
	},
	Enterprise: {
		minMbps: 10000, maxMbps: 25000,
		params: params(32<<20, 32<<20, 1000, 1000, 30000, 5000, 9000, CongestionBBRLike),
	},
	DataCenter: {
		minMbps: 25000, maxMbps: 0,
		params: params(32<<20, 32<<20, 1000, 1000, 30000, 3000, 9000, CongestionBBRLike),
	},
}

// tierOrder lists tiers ascending by bandwidth, since Go map iteration
// order is unspecified and TierForBandwidth must be deterministic.
var tierOrder = []Tier{Slow, Home, Standard, Performance, Enterprise, DataCenter}

// TierForBandwidth classifies a measured bandwidth (bits/sec) into a tier,
// per spec §4.5's Mbps-denominated band table.
func TierForBandwidth(bps uint64) Tier {
	mbps := bps / 1_000_000
	for _, t := range tierOrder {
		band := tierTable[t]
		if mbps >= band.minMbps && (band.maxMbps == 0 || mbps < band.maxMbps) {
			return t
		}
	}
	return DataCenter
}

// TargetParameters returns the parameter set a tier targets.
func TargetParameters(t Tier) ConnectionParameters {
	return tierTable[t].params
}
