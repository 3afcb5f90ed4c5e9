// Package classifier maps a Sample Window summary to one of the six
// Network Tiers, with hysteresis against thrashing (spec.md §4.6).
package classifier

import (
	"time"

	"github.com/hypermesh-online/stoq/netmon"
	"github.com/hypermesh-online/stoq/params"
)

// Thresholds gates entry into a tier: every bound must be satisfied.
type Thresholds struct {
	MaxRTT        time.Duration
	MaxLoss       float64
	MinThroughput float64
	MaxJitter     time.Duration
}

// DefaultThresholds is a concrete, documented resolution of the Open
// Question spec.md §9 leaves unspecified ("magic constants ... leaving
// thresholds as a design parameter per implementation"). Walked from
// DataCenter down to Slow; the highest tier whose thresholds are all
// satisfied wins.
var DefaultThresholds = map[params.Tier]Thresholds{
	params.DataCenter:  {MaxRTT: 5 * time.Millisecond, MaxLoss: 0.001, MinThroughput: 1e9, MaxJitter: 2 * time.Millisecond},
	params.Enterprise:  {MaxRTT: 15 * time.Millisecond, MaxLoss: 0.005, MinThroughput: 200e6, MaxJitter: 5 * time.Millisecond},
	params.Performance: {MaxRTT: 40 * time.Millisecond, MaxLoss: 0.01, MinThroughput: 50e6, MaxJitter: 15 * time.Millisecond},
	params.Standard:    {MaxRTT: 100 * time.Millisecond, MaxLoss: 0.02, MinThroughput: 10e6, MaxJitter: 40 * time.Millisecond},
	params.Home:        {MaxRTT: 250 * time.Millisecond, MaxLoss: 0.05, MinThroughput: 1e6, MaxJitter: 100 * time.Millisecond},
	params.Slow:        {MaxRTT: time.Hour, MaxLoss: 1, MinThroughput: 0, MaxJitter: time.Hour},
}

// MinConsecutiveUpshift is K from spec.md §4.6 (K >= 3).
const MinConsecutiveUpshift = 3

// MinDwell is the minimum time between transitions on one connection
// (spec.md §4.6: >= 2s).
const MinDwell = 2 * time.Second

func qualifies(t params.Tier, s netmon.Summary, th map[params.Tier]Thresholds) bool {
	bound := th[t]
	return s.MedianRTT <= bound.MaxRTT &&
		s.P95Loss <= bound.MaxLoss &&
		s.MedianThroughput >= bound.MinThroughput &&
		s.P95Jitter <= bound.MaxJitter
}

// target walks from DataCenter down to Slow and returns the highest tier
// whose thresholds are all satisfied by s.
func target(s netmon.Summary, th map[params.Tier]Thresholds) params.Tier {
	for i := len(params.AllTiers) - 1; i >= 0; i-- {
		t := params.AllTiers[i]
		if qualifies(t, s, th) {
			return t
		}
	}
	return params.Slow
}

// State is the hysteresis bookkeeping the classifier threads through calls.
// Keeping it as an explicit value (rather than internal mutable state on a
// shared *Classifier) keeps Classify a pure function of its arguments, which
// is what spec.md §8 property 3's determinism requirement demands:
// classify(w, t) must equal classify(w, t) for any w, t.
type State struct {
	CurrentTier         params.Tier
	ConsecutiveQualify  int // consecutive summaries qualifying for a tier above CurrentTier
	QualifyingTarget    params.Tier
	LastTransition      time.Time
}

// Classifier holds the (possibly custom) threshold table and hysteresis
// parameters; it carries no per-connection mutable state itself.
type Classifier struct {
	Thresholds   map[params.Tier]Thresholds
	MinUpshiftK  int
	MinDwellTime time.Duration
}

// New returns a Classifier configured with the documented defaults.
func New() *Classifier {
	return &Classifier{
		Thresholds:   DefaultThresholds,
		MinUpshiftK:  MinConsecutiveUpshift,
		MinDwellTime: MinDwell,
	}
}

// Classify is pure in (summary, now, st): ties are broken by preferring the
// current tier, upward transitions require MinUpshiftK consecutive
// qualifying summaries, downward transitions require only one disqualifying
// summary, and any transition is suppressed until MinDwellTime has elapsed
// since st.LastTransition.
func (c *Classifier) Classify(summary netmon.Summary, now time.Time, st State) (params.Tier, State) {
	want := target(summary, c.Thresholds)
	next := st

	switch {
	case want == st.CurrentTier:
		next.ConsecutiveQualify = 0
		return st.CurrentTier, next

	case want < st.CurrentTier:
		// Downward: one disqualifying summary is enough, subject to dwell.
		next.ConsecutiveQualify = 0
		if !st.LastTransition.IsZero() && now.Sub(st.LastTransition) < c.MinDwellTime {
			return st.CurrentTier, next
		}
		next.CurrentTier = want
		next.LastTransition = now
		return want, next

	default: // want > st.CurrentTier: upward, needs K consecutive qualifying summaries
		if st.QualifyingTarget == want {
			next.ConsecutiveQualify = st.ConsecutiveQualify + 1
		} else {
			next.QualifyingTarget = want
			next.ConsecutiveQualify = 1
		}
		if next.ConsecutiveQualify < c.MinUpshiftK {
			return st.CurrentTier, next
		}
		if !st.LastTransition.IsZero() && now.Sub(st.LastTransition) < c.MinDwellTime {
			return st.CurrentTier, next
		}
		next.CurrentTier = want
		next.LastTransition = now
		next.ConsecutiveQualify = 0
		return want, next
	}
}
