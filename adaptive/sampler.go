package adaptive

import (
	"context"
	"time"

	"stoq/metrics"
)

// Measurement is one bandwidth sample plus the in-flight byte count
// needed to clamp flow-control reductions.
type Measurement struct {
	BitsPerSecond    uint64
	MeasuredAt       time.Time
	OutstandingBytes uint64
}

// RunSampler drives one connection's Controller from a measure callback on
// a fixed interval (spec §4.5's sample_interval, default 1s) until ctx is
// cancelled. apply is invoked with the new parameters whenever Sample
// reports an adaptation.
func RunSampler(ctx context.Context, c *Controller, interval time.Duration, measure func() (Measurement, error), apply func(ConnectionParameters), sink metrics.Sink) {
	if interval <= 0 {
		interval = time.Second
	}
	if sink == nil {
		sink = metrics.Default
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := measure()
			if err != nil {
				continue
			}
			if params, changed := c.Sample(m.BitsPerSecond, m.MeasuredAt, m.OutstandingBytes); changed {
				sink.IncCounter("adaptive_tier_changes", 1, nil)
				apply(*params)
			}
		}
	}
}

// ConnSampler is one connection's entry in a fairness pass.
type ConnSampler struct {
	ID         string
	Controller *Controller
	Measure    func() (Measurement, error)
	Apply      func(ConnectionParameters)
}

// RunFairnessPass samples every connection in conns, bounded by
// maxPassDuration (spec §4.5's max_pass_ms, default 500ms): once the
// deadline is reached, remaining connections are skipped and reported via
// onSkip rather than starving the ones already in progress (spec §9's
// backpressure design note).
func RunFairnessPass(conns []ConnSampler, maxPassDuration time.Duration, onSkip func(id string), sink metrics.Sink) {
	if maxPassDuration <= 0 {
		maxPassDuration = 500 * time.Millisecond
	}
	if sink == nil {
		sink = metrics.Default
	}
	deadline := time.Now().Add(maxPassDuration)

	for _, cs := range conns {
		if time.Now().After(deadline) {
			sink.IncCounter("adaptive_pass_skipped", 1, map[string]string{"conn_id": cs.ID})
			if onSkip != nil {
				onSkip(cs.ID)
			}
			continue
		}
		m, err := cs.Measure()
		if err != nil {
			continue
		}
		if params, changed := cs.Controller.Sample(m.BitsPerSecond, m.MeasuredAt, m.OutstandingBytes); changed {
			sink.IncCounter("adaptive_tier_changes", 1, map[string]string{"conn_id": cs.ID})
			cs.Apply(*params)
		}
	}
}
