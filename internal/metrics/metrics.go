// Package metrics holds one process-wide counter set, used by both the
// relay and the agent binary. No exposition format (Prometheus,
// StatsD, ...) is specified for this repository, so the counters are
// plain atomics with a JSON-ready Snapshot rather than a scrape
// endpoint. No HTTP view or log line in this repository reads them.
package metrics

import "sync/atomic"

// Counters is the per-process metrics singleton, initialized at
// startup alongside the registry (the only other piece of global
// state) and read, never reset, for the life of the process.
type Counters struct {
	FramesSent       atomic.Uint64
	FramesReceived   atomic.Uint64
	TunnelsOpened    atomic.Uint64
	TunnelsClosed    atomic.Uint64
	BackpressureDrop atomic.Uint64
	AuthFailures     atomic.Uint64

	// Agent-side counters.
	ReconnectAttempts   atomic.Uint64
	ProxyDialFailures   atomic.Uint64
	ProxyHealthFailures atomic.Uint64
}

// Global is the process-wide counters instance.
var Global = &Counters{}

// Snapshot is a point-in-time copy suitable for JSON serialization.
type Snapshot struct {
	FramesSent          uint64 `json:"frames_sent"`
	FramesReceived      uint64 `json:"frames_received"`
	TunnelsOpened       uint64 `json:"tunnels_opened"`
	TunnelsClosed       uint64 `json:"tunnels_closed"`
	BackpressureDrop    uint64 `json:"backpressure_drop"`
	AuthFailures        uint64 `json:"auth_failures"`
	ReconnectAttempts   uint64 `json:"reconnect_attempts"`
	ProxyDialFailures   uint64 `json:"proxy_dial_failures"`
	ProxyHealthFailures uint64 `json:"proxy_health_failures"`
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FramesSent:          c.FramesSent.Load(),
		FramesReceived:      c.FramesReceived.Load(),
		TunnelsOpened:       c.TunnelsOpened.Load(),
		TunnelsClosed:       c.TunnelsClosed.Load(),
		BackpressureDrop:    c.BackpressureDrop.Load(),
		AuthFailures:        c.AuthFailures.Load(),
		ReconnectAttempts:   c.ReconnectAttempts.Load(),
		ProxyDialFailures:   c.ProxyDialFailures.Load(),
		ProxyHealthFailures: c.ProxyHealthFailures.Load(),
	}
}
