package netmon

import "sync"

// Monitor owns the per-connection Sample Windows, keyed by connection ID.
type Monitor struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// NewMonitor constructs an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{windows: make(map[string]*Window)}
}

// Window returns the Window for connID, creating it on first use.
func (m *Monitor) Window(connID string) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[connID]
	if !ok {
		w = NewWindow(DefaultWindowSize)
		m.windows[connID] = w
	}
	return w
}

// Record appends a sample for connID, rate-limiting is the caller's
// responsibility (spec.md §4.5: "one per acknowledged packet maximum").
func (m *Monitor) Record(connID string, s Sample) {
	m.Window(connID).Add(s)
}

// Summary returns the current Summary for connID, or false if no samples
// have ever been recorded for it.
func (m *Monitor) Summary(connID string) (Summary, bool) {
	m.mu.Lock()
	w, ok := m.windows[connID]
	m.mu.Unlock()
	if !ok {
		return Summary{}, false
	}
	return w.Summary(), true
}

// Remove discards the Window for connID, freeing its memory once the
// connection closes.
func (m *Monitor) Remove(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, connID)
}
