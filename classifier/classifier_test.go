package classifier

import (
	"testing"
	"time"

	"github.com/hypermesh-online/stoq/netmon"
	"github.com/hypermesh-online/stoq/params"
	"github.com/stretchr/testify/require"
)

func dcSummary() netmon.Summary {
	return netmon.Summary{MedianRTT: time.Millisecond, P95Loss: 0, MedianThroughput: 10e9, P95Jitter: time.Millisecond}
}

func slowSummary() netmon.Summary {
	return netmon.Summary{MedianRTT: 500 * time.Millisecond, P95Loss: 0.1, MedianThroughput: 100e3, P95Jitter: 200 * time.Millisecond}
}

func TestClassifyIdempotent(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	s := dcSummary()
	st := State{CurrentTier: params.Home}
	tierA, _ := c.Classify(s, now, st)
	tierB, _ := c.Classify(s, now, st)
	require.Equal(t, tierA, tierB)
}

func TestClassifyRequiresConsecutiveSamplesToUpshift(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	st := State{CurrentTier: params.Home}

	for i := 0; i < MinConsecutiveUpshift-1; i++ {
		tier, next := c.Classify(dcSummary(), now.Add(time.Duration(i)*time.Millisecond), st)
		require.Equal(t, params.Home, tier, "should not upshift before K consecutive qualifying summaries")
		st = next
	}
	tier, _ := c.Classify(dcSummary(), now.Add(time.Duration(MinConsecutiveUpshift)*time.Millisecond), st)
	require.Equal(t, params.DataCenter, tier)
}

func TestClassifyDownshiftIsImmediate(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	st := State{CurrentTier: params.DataCenter, LastTransition: now.Add(-time.Hour)}
	tier, _ := c.Classify(slowSummary(), now, st)
	require.Equal(t, params.Slow, tier)
}

func TestClassifySuppressesTransitionsWithinDwell(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	st := State{CurrentTier: params.DataCenter, LastTransition: now}
	tier, _ := c.Classify(slowSummary(), now.Add(time.Second), st)
	require.Equal(t, params.DataCenter, tier, "downshift suppressed inside min dwell")
}

func TestClassifyMonotoneInInputs(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	worse := netmon.Summary{MedianRTT: 80 * time.Millisecond, P95Loss: 0.02, MedianThroughput: 5e6, P95Jitter: 30 * time.Millisecond}
	better := netmon.Summary{MedianRTT: 1 * time.Millisecond, P95Loss: 0, MedianThroughput: 10e9, P95Jitter: 1 * time.Millisecond}

	stWorse := State{CurrentTier: params.Slow}
	stBetter := State{CurrentTier: params.Slow}
	var worseTier, betterTier params.Tier
	for i := 0; i < MinConsecutiveUpshift+1; i++ {
		ts := now.Add(time.Duration(i) * time.Second)
		worseTier, stWorse = c.Classify(worse, ts, stWorse)
		betterTier, stBetter = c.Classify(better, ts, stBetter)
	}
	require.False(t, betterTier < worseTier, "strictly better network inputs must never yield a lower tier")
}

func TestHysteresisBoundWithinDwellWindow(t *testing.T) {
	c := New()
	st := State{CurrentTier: params.Standard}
	start := time.Unix(2000, 0)
	transitions := 0
	prevTier := st.CurrentTier
	// Adversarial: alternate best/worst summaries every 10ms for one dwell window.
	for i := 0; i*10 < int(c.MinDwellTime.Milliseconds()); i++ {
		now := start.Add(time.Duration(i) * 10 * time.Millisecond)
		s := dcSummary()
		if i%2 == 0 {
			s = slowSummary()
		}
		tier, next := c.Classify(s, now, st)
		if tier != prevTier {
			transitions++
			prevTier = tier
		}
		st = next
	}
	require.LessOrEqual(t, transitions, 1)
}
