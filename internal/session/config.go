package session

import "time"

// Config holds the timing and sizing knobs shared by the agent and
// browser session loops.
type Config struct {
	// OutboundQueueCapacity bounds each endpoint's writer queue.
	OutboundQueueCapacity int
	// WatermarkInterval is how often the queue monitor samples
	// remaining capacity.
	WatermarkInterval time.Duration
	// WatermarkThreshold is the remaining-capacity floor under which
	// the monitor logs a warning.
	WatermarkThreshold int
	// WriterLogEvery controls how many frames pass through a writer
	// between periodic frame-count log lines.
	WriterLogEvery int

	// AuthTimeout bounds how long a freshly upgraded socket has to
	// send its first Auth frame.
	AuthTimeout time.Duration
	// HeartbeatInterval is how often the relay probes a connected
	// agent for a heartbeat reply.
	HeartbeatInterval time.Duration
	// HeartbeatMissThreshold is how many multiples of
	// HeartbeatInterval may elapse without a reply before the agent is
	// considered gone.
	HeartbeatMissThreshold float64
	// PingInterval is how often each endpoint sends an application
	// level Ping and expects a Pong in return.
	PingInterval time.Duration
	// PongTimeout bounds how long to wait for a Pong after a Ping
	// before treating the connection as dead.
	PongTimeout time.Duration
	// AdapterInactivity is how long an Open tunnel may carry no traffic
	// before Hub.RunIdleSweep closes it; non-positive disables the sweep.
	AdapterInactivity time.Duration

	// MaxTunnelsPerAgent bounds registry capacity; 0 means unbounded.
	MaxTunnelsPerAgent int
}

// DefaultConfig returns the timings specified for the tunnel fabric.
func DefaultConfig() Config {
	return Config{
		OutboundQueueCapacity:  2048,
		WatermarkInterval:      10 * time.Second,
		WatermarkThreshold:     512,
		WriterLogEvery:         100,
		AuthTimeout:            10 * time.Second,
		HeartbeatInterval:      15 * time.Second,
		HeartbeatMissThreshold: 2,
		PingInterval:           30 * time.Second,
		PongTimeout:            30 * time.Second,
		AdapterInactivity:      300 * time.Second,
		MaxTunnelsPerAgent:     0,
	}
}
