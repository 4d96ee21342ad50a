package adaptive

import (
	"testing"
	"time"
)

func TestTierForBandwidthBoundaries(t *testing.T) {
	const mbps = 1_000_000
	cases := []struct {
		bps  uint64
		want Tier
	}{
		{0, Slow},
		{99 * mbps, Slow},
		{100 * mbps, Home},
		{999 * mbps, Home},
		{1000 * mbps, Standard},
		{2499 * mbps, Standard},
		{2500 * mbps, Performance},
		{9999 * mbps, Performance},
		{10000 * mbps, Enterprise},
		{24999 * mbps, Enterprise},
		{25000 * mbps, DataCenter},
		{50000 * mbps, DataCenter},
	}
	for _, c := range cases {
		if got := TierForBandwidth(c.bps); got != c.want {
			t.Errorf("TierForBandwidth(%d) = %v, want %v", c.bps, got, c.want)
		}
	}
}

// TestHysteresisRequiresConsecutiveCrossings covers P5: a single stray
// sample in a different tier must not trigger adaptation.
func TestHysteresisRequiresConsecutiveCrossings(t *testing.T) {
	base := time.Now()
	clock := base
	cfg := Config{Now: func() time.Time { return clock }}
	c := NewController(Home, cfg)

	// One sample into Standard (1.5Gbps): not enough crossings yet.
	clock = base.Add(1 * time.Second)
	_, changed := c.Sample(1_500_000_000, clock, 0)
	if changed {
		t.Fatalf("expected no adaptation after a single crossing sample")
	}

	// Back to Home (500Mbps): resets the crossing counter.
	clock = base.Add(2 * time.Second)
	_, changed = c.Sample(500_000_000, clock, 0)
	if changed {
		t.Fatalf("expected no adaptation on a same-tier sample")
	}

	if _, tier := c.State(); tier != Home {
		t.Fatalf("expected tier to remain Home, got %v", tier)
	}
}

// TestHysteresisAdaptsAfterThresholdAndMinTime covers the positive path:
// enough consecutive crossings, spaced past MinTimeBetweenChanges, adapt.
func TestHysteresisAdaptsAfterThresholdAndMinTime(t *testing.T) {
	base := time.Now()
	clock := base
	cfg := Config{Now: func() time.Time { return clock }, MinTimeBetweenChanges: 5 * time.Second, CrossingThreshold: 3}
	c := NewController(Home, cfg)

	var lastChanged bool
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i+1) * 2 * time.Second)
		_, lastChanged = c.Sample(15_000_000_000, clock, 0) // 15Gbps -> Enterprise
	}
	if !lastChanged {
		t.Fatalf("expected adaptation after 3 consecutive crossings spaced past min-time")
	}
	if _, tier := c.State(); tier != Enterprise {
		t.Fatalf("expected tier Enterprise for 15Gbps, got %v", tier)
	}
}

// TestAdaptationDoesNotLowerFlowControlBelowOutstanding covers the clamp
// rule from spec §9/P6.
func TestAdaptationDoesNotLowerFlowControlBelowOutstanding(t *testing.T) {
	c := NewController(DataCenter, Config{})
	// DataCenter->Slow would normally set a tiny flow-control window; a
	// large outstanding-bytes count must clamp it back up.
	params := c.ForceAdapt(500_000, 10<<20)
	if params.FlowControlWindow < 10<<20 {
		t.Fatalf("expected flow-control window clamped to at least outstanding bytes, got %d", params.FlowControlWindow)
	}
	if params.MaxConnectionWindow < 10<<20 {
		t.Fatalf("expected max connection window clamped to at least outstanding bytes, got %d", params.MaxConnectionWindow)
	}
}

// TestFullTierRoundTripTwoTransitions mirrors spec §8 scenario 4: 50Mbps ->
// 3Gbps -> 50Mbps, expecting the trace Standard (initial) -> Performance ->
// Slow, exactly two transitions, each requiring its own run of consecutive
// crossings spaced >= 5s apart.
func TestFullTierRoundTripTwoTransitions(t *testing.T) {
	base := time.Now()
	clock := base
	cfg := Config{Now: func() time.Time { return clock }, MinTimeBetweenChanges: 5 * time.Second, CrossingThreshold: 3}
	c := NewController(Standard, cfg) // neutral initial default

	transitions := 0

	step := func(bps uint64, secondsOffset int) bool {
		clock = base.Add(time.Duration(secondsOffset) * time.Second)
		_, changed := c.Sample(bps, clock, 0)
		return changed
	}

	// Ramp to 3Gbps (Performance): three crossings, 2s apart each, total
	// elapsed > 5s from start.
	for i, t0 := range []int{2, 4, 6} {
		changed := step(3_000_000_000, t0)
		if i == 2 {
			if !changed {
				t.Fatalf("expected up-transition to complete")
			}
			transitions++
		}
	}

	if _, tier := c.State(); tier != Performance {
		t.Fatalf("expected Performance after ramp-up, got %v", tier)
	}

	// Drop back to 50Mbps (Slow), starting after MinTimeBetweenChanges has
	// elapsed since the last change.
	for i, t0 := range []int{14, 16, 18} {
		changed := step(50_000_000, t0)
		if i == 2 {
			if !changed {
				t.Fatalf("expected down-transition to complete")
			}
			transitions++
		}
	}

	if _, tier := c.State(); tier != Slow {
		t.Fatalf("expected Slow after ramp-down, got %v", tier)
	}
	if transitions != 2 {
		t.Fatalf("expected exactly 2 transitions, got %d", transitions)
	}
}

func TestForceAdaptBypassesHysteresis(t *testing.T) {
	c := NewController(Slow, Config{})
	params := c.ForceAdapt(15_000_000_000, 0) // 15Gbps -> Enterprise
	if _, tier := c.State(); tier != Enterprise {
		t.Fatalf("expected ForceAdapt to jump straight to Enterprise, got %v", tier)
	}
	if params.MaxStreams != TargetParameters(Enterprise).MaxStreams {
		t.Fatalf("expected returned params to match Enterprise target")
	}
}

func TestCooldownResolvesToStableAfterElapsing(t *testing.T) {
	base := time.Now()
	clock := base
	cfg := Config{Now: func() time.Time { return clock }, Cooldown: 2 * time.Second, MinTimeBetweenChanges: 0, CrossingThreshold: 1}
	c := NewController(Home, cfg)

	clock = base.Add(1 * time.Second)
	_, changed := c.Sample(15_000_000_000, clock, 0)
	if !changed {
		t.Fatalf("expected immediate adaptation with CrossingThreshold=1")
	}
	if state, _ := c.State(); state != Cooldown {
		t.Fatalf("expected Cooldown immediately after an applied update, got %v", state)
	}

	clock = base.Add(4 * time.Second) // past the 2s cooldown window
	if state, _ := c.State(); state != Stable {
		t.Fatalf("expected Stable once cooldown_ms has elapsed, got %v", state)
	}
}

func TestRunFairnessPassSkipsPastDeadline(t *testing.T) {
	c1 := NewController(Home, Config{})
	c2 := NewController(Home, Config{})

	slow := func() (Measurement, error) {
		time.Sleep(2 * time.Millisecond)
		return Measurement{BitsPerSecond: 500_000_000, MeasuredAt: time.Now()}, nil
	}

	var skipped []string
	conns := []ConnSampler{
		{ID: "a", Controller: c1, Measure: slow, Apply: func(ConnectionParameters) {}},
		{ID: "b", Controller: c2, Measure: slow, Apply: func(ConnectionParameters) {}},
	}
	RunFairnessPass(conns, 1*time.Millisecond, func(id string) { skipped = append(skipped, id) }, nil)
	if len(skipped) == 0 {
		t.Fatalf("expected at least one connection to be skipped under a tight deadline")
	}
}
