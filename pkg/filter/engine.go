// Package filter wraps an ad-block-style ruleset behind the single
// operation the Agent needs: Matches(url) -> bool, fail-safe to true
// whenever no ruleset is loaded or the URL can't be classified.
package filter

import "sync"

// Engine is the filter engine wrapper from the design: an opaque matcher
// shared read-only across handlers, serialized through a mutex because
// Ruleset swaps (not reads) are the only mutation that ever happens to it.
type Engine struct {
	mu      sync.RWMutex
	ruleset *Ruleset
}

// NewEngine returns an Engine with no ruleset loaded; Matches will return
// true for every URL until Load is called.
func NewEngine() *Engine {
	return &Engine{}
}

// Load atomically replaces the engine's active ruleset.
func (e *Engine) Load(rs *Ruleset) {
	e.mu.Lock()
	e.ruleset = rs
	e.mu.Unlock()
}

// Matches reports whether rawURL should be routed via the upstream proxy.
// With no snapshot loaded, or when rawURL can't be parsed, this returns
// true: the system's default posture is to tunnel when in doubt.
func (e *Engine) Matches(rawURL string) bool {
	e.mu.RLock()
	rs := e.ruleset
	e.mu.RUnlock()

	if rs == nil {
		return true
	}

	matched, ok := rs.Match(rawURL)
	if !ok {
		return true
	}
	return matched
}
