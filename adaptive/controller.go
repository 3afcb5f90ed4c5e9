// Package adaptive implements the background loop that reclassifies every
// live connection's network tier and pushes new transport parameters onto
// it (spec.md §4.7). It never imports the root transport package: per
// spec.md §9's cyclic-reference note, the Controller only holds a Pool
// interface it polls each tick, and Connections never hold a handle back to
// the Controller. The root package's Connection and Pool types satisfy
// ConnectionHandle and Pool structurally.
package adaptive

import (
	"math/rand"
	"sync"
	"time"

	"github.com/hypermesh-online/stoq/classifier"
	"github.com/hypermesh-online/stoq/netmon"
	"github.com/hypermesh-online/stoq/params"
	"go.uber.org/zap"
)

// BaseInterval and JitterSpan describe the 500ms +/- 100ms cadence from
// spec.md §4.7.
const (
	BaseInterval = 500 * time.Millisecond
	JitterSpan   = 100 * time.Millisecond
	// AdaptCritSectionTarget is the target upper bound for the time spent
	// inside ApplyTier (spec.md §4.7: "target <= 50ms"). Exceeding it is
	// logged, not an error: the controller has no way to enforce it from
	// the outside.
	AdaptCritSectionTarget = 50 * time.Millisecond
)

// ConnectionHandle is everything the Controller needs from one connection,
// without knowing anything else about it.
type ConnectionHandle interface {
	ID() string
	// SampleSummary returns the connection's current Sample Window summary,
	// or ok=false if it has no samples yet (too new to classify).
	SampleSummary() (netmon.Summary, bool)
	ClassifierState() classifier.State
	SetClassifierState(classifier.State)
	// ApplyTier pushes tier's preset TransportParameters onto the
	// connection. On error the Controller restores the connection's previous
	// classifier state, so it stays on its previous tier.
	ApplyTier(tier params.Tier) error
}

// Pool is the subset of the Connection Pool the Controller needs: a
// snapshot of every live connection to reclassify this tick.
type Pool interface {
	Snapshot() []ConnectionHandle
}

// Controller periodically reclassifies every live connection and pushes
// tier changes that survive hysteresis.
type Controller struct {
	pool       Pool
	classifier *classifier.Classifier
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewController builds a Controller over pool using cls for classification.
func NewController(pool Pool, cls *classifier.Classifier, logger *zap.Logger) *Controller {
	if cls == nil {
		cls = classifier.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{pool: pool, classifier: cls, logger: logger.Named("adaptive")}
}

// Start runs the reclassification loop in a background goroutine. Calling
// Start on an already-running Controller is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stop, c.done)
}

// Stop halts the loop and waits for the current tick, if any, to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
}

func (c *Controller) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		wait := BaseInterval + time.Duration(rand.Int63n(int64(2*JitterSpan))) - JitterSpan
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case now := <-timer.C:
			c.Tick(now)
		}
	}
}

// Tick reclassifies every connection currently in the pool. It is exported
// so tests (and a caller wanting deterministic control) can drive it without
// the jittered background loop.
func (c *Controller) Tick(now time.Time) {
	for _, conn := range c.pool.Snapshot() {
		c.tickOne(conn, now)
	}
}

func (c *Controller) tickOne(conn ConnectionHandle, now time.Time) {
	summary, ok := conn.SampleSummary()
	if !ok {
		return
	}
	st := conn.ClassifierState()
	newTier, newState := c.classifier.Classify(summary, now, st)
	conn.SetClassifierState(newState)
	if newTier == st.CurrentTier {
		return
	}

	start := time.Now()
	if err := conn.ApplyTier(newTier); err != nil {
		c.logger.Warn("parameter push failed, connection stays on previous parameters",
			zap.String("connection", conn.ID()),
			zap.Stringer("attemptedTier", newTier),
			zap.Error(err))
		conn.SetClassifierState(st)
		return
	}
	if elapsed := time.Since(start); elapsed > AdaptCritSectionTarget {
		c.logger.Warn("adaptation critical section exceeded target",
			zap.String("connection", conn.ID()),
			zap.Duration("elapsed", elapsed),
			zap.Duration("target", AdaptCritSectionTarget))
	}
	c.logger.Info("tier transition",
		zap.String("connection", conn.ID()),
		zap.Stringer("from", st.CurrentTier),
		zap.Stringer("to", newTier))
}
