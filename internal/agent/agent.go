package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaywire/tunneld/internal/metrics"
)

// stableLinkDuration is how long a link must stay connected before a
// later disconnect resets the reconnect backoff to its base delay
// instead of continuing to grow from wherever it last left off. Without
// this, an agent that has been usefully connected for hours gets
// punished with the same multi-minute backoff as one that is
// repeatedly failing to connect at all.
const stableLinkDuration = 2 * time.Minute

// Agent manages the lifecycle of the tunnel connection to the relay,
// including proxy verification and automatic reconnection.
type Agent struct {
	cfg    *Config
	dialer *ProxyDialer
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Agent{cfg: cfg, dialer: dialer}, nil
}

// Run starts the agent. it verifies proxy routing, then enters the
// reconnect loop. blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.dialer != nil && a.cfg.Proxy.VerifyRouting {
		slog.Info("verifying proxy routing before connecting")
		if err := a._verify_proxy(ctx); err != nil {
			return err
		}
	}

	return a._reconnect_loop(ctx)
}

// _verify_proxy checks that traffic is properly routed through the proxy.
func (a *Agent) _verify_proxy(ctx context.Context) error {
	verifier := NewVerifier(a.dialer, a.cfg.Proxy.HealthTimeout)
	return verifier.VerifyRouting(ctx)
}

// _reconnect_loop continuously attempts to connect and maintain the
// link. Backoff grows on every failed or short-lived attempt and resets
// to the base delay once a link has proven stable, so a relay blip
// after hours of uptime doesn't leave the agent waiting at
// MaxReconnectDelay for its next try.
func (a *Agent) _reconnect_loop(ctx context.Context) error {
	delay := a.cfg.Tunnel.ReconnectDelay
	for {
		connectedAt := time.Now()
		err := a._run_link(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.Global.ReconnectAttempts.Add(1)

		if time.Since(connectedAt) >= stableLinkDuration {
			delay = a.cfg.Tunnel.ReconnectDelay
		}

		slog.Warn("link disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		// exponential backoff
		delay = delay * 2
		if delay > a.cfg.Tunnel.MaxReconnectDelay {
			delay = a.cfg.Tunnel.MaxReconnectDelay
		}
	}
}

// _run_link connects to the relay and processes frames until
// disconnection. The link tears down every tunnel it still owns as
// part of exiting Run. On the health-check path the count logged is
// the number of tunnels live when the check failed; on the link-error
// path the count is read after Run has already dropped every tunnel,
// so it is zero there and the warning does not fire.
func (a *Agent) _run_link(ctx context.Context) error {
	link, err := Connect(ctx, a.cfg, a.dialer)
	if err != nil {
		return err
	}

	// start periodic proxy health checks if configured
	var stopCheck func()
	var checkFailed <-chan error
	if a.dialer != nil && a.cfg.Proxy.RecheckInterval > 0 {
		verifier := NewVerifier(a.dialer, a.cfg.Proxy.HealthTimeout)
		stopCheck, checkFailed = StartPeriodicCheck(verifier, a.cfg.Proxy.RecheckInterval)
		defer stopCheck()
	}

	// run the link in a goroutine
	linkErr := make(chan error, 1)
	go func() {
		linkErr <- link.Run(ctx)
	}()

	// wait for link error, health check failure, or context cancellation
	select {
	case err := <-linkErr:
		if n := link.ActiveTunnelCount(); n > 0 {
			slog.Warn("link closed with tunnels still open", "tunnels", n, "err", err)
		}
		return err
	case err := <-checkFailed:
		slog.Error("proxy health check failed, closing link", "active_tunnels", link.ActiveTunnelCount(), "err", err)
		link.Close()
		return err
	case <-ctx.Done():
		link.Close()
		return ctx.Err()
	}
}
