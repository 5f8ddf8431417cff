package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Proxy  ProxyConfig  `yaml:"proxy"`
	SSH    SSHConfig    `yaml:"ssh"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// RelayConfig specifies the relay server websocket endpoint.
type RelayConfig struct {
	URL string `yaml:"url"`
}

// ProxyConfig controls the residential proxy settings.
type ProxyConfig struct {
	URL             string        `yaml:"url"`
	VerifyRouting   bool          `yaml:"verify_routing"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
}

// SSHConfig specifies the target host this agent proxies SSH/SFTP
// tunnels to. AuthMethod is currently always password; it is kept as a
// field because the wire configuration names it (SSH_AUTH_METHOD) for
// a future public-key option.
type SSHConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	AuthMethod        string        `yaml:"auth_method"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// AuthConfig holds the shared secret for hmac authentication.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// TunnelConfig controls reconnection and keepalive behaviour.
type TunnelConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
}

// LoadConfig reads and parses an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Proxy: ProxyConfig{
			VerifyRouting:   true,
			HealthTimeout:   10 * time.Second,
			RecheckInterval: 5 * time.Minute,
		},
		SSH: SSHConfig{
			Host:              "127.0.0.1",
			Port:              22,
			AuthMethod:        "password",
			InactivityTimeout: 300 * time.Second,
		},
		Tunnel: TunnelConfig{
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 60 * time.Second,
			PingInterval:      15 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Relay.URL == "" {
		return nil, fmt.Errorf("relay.url is required")
	}
	if cfg.Auth.SharedSecret == "" {
		return nil, fmt.Errorf("auth.shared_secret is required")
	}
	return cfg, nil
}
