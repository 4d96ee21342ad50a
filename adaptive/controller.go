package adaptive

import (
	"sync"
	"time"
)

// State is the controller's internal adaptation state, tracked mainly for
// observability (spec §9's 4-state design note).
type State int

const (
	Stable State = iota
	Probing
	Adapting
	Cooldown
)

func (s State) String() string {
	switch s {
	case Stable:
		return "stable"
	case Probing:
		return "probing"
	case Adapting:
		return "adapting"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Config tunes the hysteresis thresholds (spec §4.5 defaults).
type Config struct {
	// CrossingThreshold is how many consecutive samples must classify into
	// a new tier before the controller adapts to it. Default 3.
	CrossingThreshold int
	// MinTimeBetweenChanges bounds how often the controller will adapt,
	// independent of CrossingThreshold. Default 5s.
	MinTimeBetweenChanges time.Duration
	// Cooldown is how long the controller refuses further adaptation right
	// after one occurs. Default 2s.
	Cooldown time.Duration
	// StalenessBound discards bandwidth samples older than this relative
	// to Now(). Default 10s.
	StalenessBound time.Duration
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.CrossingThreshold <= 0 {
		c.CrossingThreshold = 3
	}
	if c.MinTimeBetweenChanges <= 0 {
		c.MinTimeBetweenChanges = 5 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Second
	}
	if c.StalenessBound <= 0 {
		c.StalenessBound = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Controller tracks one connection's live tier and decides, with
// hysteresis, when to retune its ConnectionParameters (spec §4.5).
type Controller struct {
	cfg Config

	mu               sync.RWMutex
	state            State
	tier             Tier
	params           ConnectionParameters
	lastChange       time.Time
	cooldownUntil    time.Time
	pendingTier      Tier
	pendingHasValue  bool
	consecutiveCross int
}

// NewController starts a controller at the given initial tier.
func NewController(initial Tier, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:    cfg,
		state:  Stable,
		tier:   initial,
		params: TargetParameters(initial),
	}
}

// State returns the controller's current FSM state and tier. Cooldown
// lazily resolves to Stable once cooldown_ms has elapsed with no
// intervening cross-boundary measurement (spec §4.5's "Cooldown → Stable:
// cooldown_ms elapsed with no new cross-boundary measurement").
func (c *Controller) State() (State, Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Cooldown && !c.cfg.Now().Before(c.cooldownUntil) {
		c.state = Stable
	}
	return c.state, c.tier
}

// Current returns the currently active connection parameters.
func (c *Controller) Current() ConnectionParameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// Sample feeds one bandwidth measurement (bits/sec, measured at measuredAt)
// into the hysteresis state machine. It returns the new parameters and
// true if this sample triggered an adaptation; otherwise (nil, false).
// outstandingBytes is the connection's current in-flight byte count, used
// to enforce "never lower the flow-control window below outstanding
// bytes" (spec §9 design note).
func (c *Controller) Sample(bps uint64, measuredAt time.Time, outstandingBytes uint64) (*ConnectionParameters, bool) {
	now := c.cfg.Now()
	if now.Sub(measuredAt) > c.cfg.StalenessBound {
		return nil, false
	}

	tier := TierForBandwidth(bps)

	c.mu.Lock()
	defer c.mu.Unlock()

	if tier == c.tier {
		c.consecutiveCross = 0
		c.pendingHasValue = false
		if c.state == Probing {
			c.state = Stable
		}
		return nil, false
	}

	if !c.pendingHasValue || c.pendingTier != tier {
		c.pendingTier = tier
		c.pendingHasValue = true
		c.consecutiveCross = 1
	} else {
		c.consecutiveCross++
	}
	c.state = Probing

	if c.consecutiveCross < c.cfg.CrossingThreshold {
		return nil, false
	}
	if now.Sub(c.lastChange) < c.cfg.MinTimeBetweenChanges {
		return nil, false
	}
	if now.Before(c.cooldownUntil) {
		c.state = Cooldown
		return nil, false
	}

	applied := c.applyLocked(tier, now, outstandingBytes)
	return &applied, true
}

// ForceAdapt bypasses the hysteresis thresholds (but never the "don't
// lower flow control below outstanding bytes" rule) and adapts to
// bandwidth's tier immediately (spec §6.3's force_adapt operation).
func (c *Controller) ForceAdapt(bps uint64, outstandingBytes uint64) ConnectionParameters {
	tier := TierForBandwidth(bps)
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(tier, now, outstandingBytes)
}

// applyLocked transitions to tier's target parameters, clamped so the
// flow-control window never drops below outstandingBytes. Must be called
// with c.mu held.
func (c *Controller) applyLocked(tier Tier, now time.Time, outstandingBytes uint64) ConnectionParameters {
	target := TargetParameters(tier)
	if target.MaxConnectionWindow < outstandingBytes {
		target.MaxConnectionWindow = outstandingBytes
		target.FlowControlWindow = outstandingBytes
	}
	if target.MaxStreamWindow < outstandingBytes {
		target.MaxStreamWindow = outstandingBytes
	}

	c.tier = tier
	c.params = target
	c.state = Adapting
	c.lastChange = now
	c.cooldownUntil = now.Add(c.cfg.Cooldown)
	c.consecutiveCross = 0
	c.pendingHasValue = false
	// Adapting -> Cooldown: the update has just been applied (spec §4.5).
	// State() resolves Cooldown -> Stable once cooldownUntil elapses.
	c.state = Cooldown
	return target
}
