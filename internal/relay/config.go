package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay server configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// ListenConfig specifies the address to bind on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls tls certificate settings. TLS termination is
// expected to happen here or at a front proxy; this repo does not
// assume one over the other.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the shared secret for hmac authentication. An empty
// secret disables auth entirely (development mode) rather than
// rejecting every connection.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// TunnelConfig controls the relay core's timeouts and outbound queue
// sizing, mapped onto session.Config at startup.
type TunnelConfig struct {
	OutboundQueueCapacity int           `yaml:"outbound_queue_capacity"`
	WatermarkThreshold    int           `yaml:"watermark_threshold"`
	AuthTimeout           time.Duration `yaml:"auth_timeout"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	PongTimeout           time.Duration `yaml:"pong_timeout"`
	AdapterInactivity     time.Duration `yaml:"adapter_inactivity"`
	MaxTunnelsPerAgent    int           `yaml:"max_tunnels_per_agent"`
}

// LoadConfig reads and parses a relay configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Listen: ListenConfig{Addr: ":8080"},
		Tunnel: TunnelConfig{
			OutboundQueueCapacity: 2048,
			WatermarkThreshold:    512,
			AuthTimeout:           10 * time.Second,
			HeartbeatInterval:     15 * time.Second,
			PingInterval:          30 * time.Second,
			PongTimeout:           30 * time.Second,
			AdapterInactivity:     300 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
