// Package timing provides per-connection phase measurement for the proxy agent.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures how long each phase of handling one accepted connection took.
type Metrics struct {
	// Parse is the time spent reading and parsing the request head.
	Parse time.Duration `json:"parse"`

	// Dial is the time spent opening the next-hop connection (upstream
	// proxy handshake or direct TCP connect).
	Dial time.Duration `json:"dial"`

	// Tunnel is the time spent in the bidirectional splice, end to end.
	Tunnel time.Duration `json:"tunnel"`

	// Total is the total time from accept to connection close.
	Total time.Duration `json:"total"`
}

// Timer measures the phases of a single connection's lifetime.
type Timer struct {
	start time.Time

	parseStart time.Time
	parseEnd   time.Time
	dialStart  time.Time
	dialEnd    time.Time
	tunStart   time.Time
	tunEnd     time.Time
}

// NewTimer starts a timing session for a newly accepted connection.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartParse marks the beginning of request-head parsing.
func (t *Timer) StartParse() { t.parseStart = time.Now() }

// EndParse marks the end of request-head parsing.
func (t *Timer) EndParse() { t.parseEnd = time.Now() }

// StartDial marks the beginning of the next-hop connect/handshake.
func (t *Timer) StartDial() { t.dialStart = time.Now() }

// EndDial marks the end of the next-hop connect/handshake.
func (t *Timer) EndDial() { t.dialEnd = time.Now() }

// StartTunnel marks the beginning of the bidirectional splice.
func (t *Timer) StartTunnel() { t.tunStart = time.Now() }

// EndTunnel marks the end of the bidirectional splice.
func (t *Timer) EndTunnel() { t.tunEnd = time.Now() }

// Metrics returns the accumulated timings. Phases that never started report zero.
func (t *Timer) Metrics() Metrics {
	m := Metrics{Total: time.Since(t.start)}

	if !t.parseStart.IsZero() && !t.parseEnd.IsZero() {
		m.Parse = t.parseEnd.Sub(t.parseStart)
	}
	if !t.dialStart.IsZero() && !t.dialEnd.IsZero() {
		m.Dial = t.dialEnd.Sub(t.dialStart)
	}
	if !t.tunStart.IsZero() && !t.tunEnd.IsZero() {
		m.Tunnel = t.tunEnd.Sub(t.tunStart)
	}

	return m
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("parse=%v dial=%v tunnel=%v total=%v", m.Parse, m.Dial, m.Tunnel, m.Total)
}
