package stoq

import (
	"sync"
	"time"

	"github.com/hypermesh-online/stoq/adaptive"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// DefaultPoolMaxPerEndpoint bounds concurrent connections to one endpoint
// (spec.md §4.9's pool_max_per_endpoint).
const DefaultPoolMaxPerEndpoint = 8

// DefaultIdleEvictAfter is how long an idle (checked-in, unused) connection
// survives before evict_stale reclaims it.
const DefaultIdleEvictAfter = 2 * time.Minute

// pooledConn tracks one connection's checked-out/idle bookkeeping.
type pooledConn struct {
	conn       *Connection
	checkedOut bool
}

// Pool is the Connection Pool (spec.md §4.9): acquire hands out an existing
// idle connection to endpoint or creates one up to maxPerEndpoint; release
// returns a connection to the idle set; evict_stale reclaims connections
// idle past idleEvictAfter. Pool satisfies adaptive.Pool so the Adaptive
// Controller can poll it each tick without importing this package (avoiding
// the Controller<->Connection cycle spec.md §9 calls out).
type Pool struct {
	mu             sync.Mutex
	byEndpoint     map[string][]*pooledConn
	maxPerEndpoint int
	idleEvictAfter time.Duration
	idleSince      *cache.Cache // keyed by Connection.ID(), last-idle timestamps stored without expiry; EvictStale compares them to idleEvictAfter
	dial           func(Endpoint) (*Connection, error)
	logger         *zap.Logger
}

// NewPool constructs a Pool. dial is invoked on an acquire miss to open a
// fresh Connection to an endpoint; Transport supplies it. maxPerEndpoint and
// idleEvictAfter override the package defaults when positive, letting a
// caller-supplied config.EndpointConfig size the pool per endpoint.
func NewPool(dial func(Endpoint) (*Connection, error), logger *zap.Logger, maxPerEndpoint int, idleEvictAfter time.Duration) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPerEndpoint <= 0 {
		maxPerEndpoint = DefaultPoolMaxPerEndpoint
	}
	if idleEvictAfter <= 0 {
		idleEvictAfter = DefaultIdleEvictAfter
	}
	return &Pool{
		byEndpoint:     make(map[string][]*pooledConn),
		maxPerEndpoint: maxPerEndpoint,
		idleEvictAfter: idleEvictAfter,
		idleSince:      cache.New(cache.NoExpiration, time.Minute),
		dial:           dial,
		logger:         logger.Named("pool"),
	}
}

// Acquire returns an idle connection to ep if one exists, otherwise dials a
// new one (subject to maxPerEndpoint), otherwise returns ErrStreamsExhausted
// to signal the caller should back off.
func (p *Pool) Acquire(ep Endpoint) (*Connection, error) {
	key := ep.key()

	p.mu.Lock()
	entries := p.byEndpoint[key]
	for _, e := range entries {
		if !e.checkedOut {
			e.checkedOut = true
			p.idleSince.Delete(e.conn.ID())
			p.mu.Unlock()
			return e.conn, nil
		}
	}
	if len(entries) >= p.maxPerEndpoint {
		p.mu.Unlock()
		return nil, ErrStreamsExhausted
	}
	p.mu.Unlock()

	conn, err := p.dial(ep)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.byEndpoint[key] = append(p.byEndpoint[key], &pooledConn{conn: conn, checkedOut: true})
	p.mu.Unlock()
	return conn, nil
}

// RegisterAccepted adds an inbound (accept-side) Connection to the pool in
// the checked-out state, same as a freshly dialed one, so it participates in
// the adaptive tick and in release/eviction bookkeeping (spec.md §4.7:
// Connections are registered into the pool whether created via connect or
// accept).
func (p *Pool) RegisterAccepted(conn *Connection) {
	key := conn.RemoteEndpoint().key()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byEndpoint[key] = append(p.byEndpoint[key], &pooledConn{conn: conn, checkedOut: true})
}

// Release returns conn to its endpoint's idle set if the connection is
// still running and the key has room; otherwise it is dropped from the pool
// and closed (spec.md §4.9: "excess releases close the Connection" — the
// case that arises when accept-side registrations push a key over
// maxPerEndpoint, since inbound connections are not capacity-gated the way
// Acquire gates outbound dials).
func (p *Pool) Release(conn *Connection) {
	key := conn.RemoteEndpoint().key()
	p.mu.Lock()
	entries := p.byEndpoint[key]
	if len(entries) > p.maxPerEndpoint || !conn.isRunning() {
		for i, e := range entries {
			if e.conn == conn {
				p.byEndpoint[key] = append(entries[:i], entries[i+1:]...)
				p.idleSince.Delete(conn.ID())
				break
			}
		}
		p.mu.Unlock()
		_ = conn.Close("pool at capacity")
		return
	}
	for _, e := range entries {
		if e.conn == conn {
			e.checkedOut = false
			p.idleSince.SetDefault(conn.ID(), time.Now())
			break
		}
	}
	p.mu.Unlock()
}

// EvictStale closes and forgets connections that have sat idle longer than
// idleEvictAfter.
func (p *Pool) EvictStale(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entries := range p.byEndpoint {
		kept := entries[:0]
		for _, e := range entries {
			if e.checkedOut {
				kept = append(kept, e)
				continue
			}
			since, ok := p.idleSince.Get(e.conn.ID())
			if ok && now.Sub(since.(time.Time)) > p.idleEvictAfter {
				p.logger.Info("evicting stale connection", zap.String("id", e.conn.ID()), zap.String("endpoint", key))
				_ = e.conn.Close("pool evicted idle connection")
				p.idleSince.Delete(e.conn.ID())
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.byEndpoint, key)
		} else {
			p.byEndpoint[key] = kept
		}
	}
}

// Remove drops conn from pool bookkeeping without closing it (used when the
// connection has already failed/closed on its own).
func (p *Pool) Remove(conn *Connection) {
	key := conn.RemoteEndpoint().key()
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.byEndpoint[key]
	for i, e := range entries {
		if e.conn == conn {
			p.byEndpoint[key] = append(entries[:i], entries[i+1:]...)
			p.idleSince.Delete(conn.ID())
			break
		}
	}
	if len(p.byEndpoint[key]) == 0 {
		delete(p.byEndpoint, key)
	}
}

// Snapshot implements adaptive.Pool: every live connection, checked-out or
// idle, is a candidate for the adaptive tick.
func (p *Pool) Snapshot() []adaptive.ConnectionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]adaptive.ConnectionHandle, 0)
	for _, entries := range p.byEndpoint {
		for _, e := range entries {
			out = append(out, e.conn)
		}
	}
	return out
}

// Len reports the total number of pooled connections across all endpoints.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, entries := range p.byEndpoint {
		n += len(entries)
	}
	return n
}
