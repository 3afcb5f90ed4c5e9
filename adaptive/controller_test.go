package adaptive

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hypermesh-online/stoq/classifier"
	"github.com/hypermesh-online/stoq/netmon"
	"github.com/hypermesh-online/stoq/params"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	id       string
	summary  netmon.Summary
	hasSample bool
	state    classifier.State
	applied  []params.Tier
	applyErr error
}

func (f *fakeConn) ID() string { return f.id }
func (f *fakeConn) SampleSummary() (netmon.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary, f.hasSample
}
func (f *fakeConn) ClassifierState() classifier.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeConn) SetClassifierState(s classifier.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}
func (f *fakeConn) ApplyTier(t params.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, t)
	f.state.CurrentTier = t
	return nil
}

type fakePool struct {
	conns []ConnectionHandle
}

func (p *fakePool) Snapshot() []ConnectionHandle { return p.conns }

func dcSummary() netmon.Summary {
	return netmon.Summary{MedianRTT: time.Millisecond, P95Loss: 0, MedianThroughput: 10e9, P95Jitter: time.Millisecond}
}

func TestControllerPushesTierAfterHysteresis(t *testing.T) {
	fc := &fakeConn{id: "c1", summary: dcSummary(), hasSample: true, state: classifier.State{CurrentTier: params.Home}}
	pool := &fakePool{conns: []ConnectionHandle{fc}}
	ctl := NewController(pool, classifier.New(), nil)

	now := time.Unix(5000, 0)
	for i := 0; i < classifier.MinConsecutiveUpshift; i++ {
		ctl.Tick(now.Add(time.Duration(i) * time.Second))
	}
	require.Equal(t, []params.Tier{params.DataCenter}, fc.applied)
}

func TestControllerSkipsConnectionsWithoutSamples(t *testing.T) {
	fc := &fakeConn{id: "c1", hasSample: false}
	pool := &fakePool{conns: []ConnectionHandle{fc}}
	ctl := NewController(pool, classifier.New(), nil)
	ctl.Tick(time.Now())
	require.Empty(t, fc.applied)
}

func TestControllerLogsPushFailureWithoutPropagating(t *testing.T) {
	fc := &fakeConn{
		id: "c1", summary: dcSummary(), hasSample: true,
		state:    classifier.State{CurrentTier: params.Home},
		applyErr: errors.New("os refused buffer size"),
	}
	pool := &fakePool{conns: []ConnectionHandle{fc}}
	ctl := NewController(pool, classifier.New(), nil)
	now := time.Unix(6000, 0)
	for i := 0; i < classifier.MinConsecutiveUpshift; i++ {
		require.NotPanics(t, func() { ctl.Tick(now.Add(time.Duration(i) * time.Second)) })
	}
	require.Empty(t, fc.applied)
	require.Equal(t, params.Home, fc.ClassifierState().CurrentTier)
}

func TestControllerStartStop(t *testing.T) {
	pool := &fakePool{}
	ctl := NewController(pool, classifier.New(), nil)
	ctl.Start()
	ctl.Start() // no-op, must not deadlock or double-spawn
	time.Sleep(10 * time.Millisecond)
	ctl.Stop()
	ctl.Stop() // no-op
}
