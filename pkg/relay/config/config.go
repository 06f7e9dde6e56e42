// Package config decodes the HCL configuration file a relay server reads
// at startup. It keeps the teacher lineage's gohcl-decode-into-struct
// idiom but trims away the general-purpose block-handler/cron/transform
// plugin system: a relay server has exactly one kind of top-level block.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/relaymsg/relay/pkg/relay/conn"
)

// Config is the decoded contents of a single "server" block.
type Config struct {
	Server ServerBlock `hcl:"server,block"`
}

// ServerBlock configures the listener and protocol-engine defaults for one
// relay server instance.
type ServerBlock struct {
	Listen       string `hcl:"listen"`
	PingInterval string `hcl:"ping_interval,optional"`
	RetryTimeout string `hcl:"retry_timeout,optional"`
	GraceClose   string `hcl:"grace_close,optional"`
	RateLimit    int    `hcl:"rate_limit,optional"`
	MaxRetries   int    `hcl:"max_retries,optional"`
	HTTPPollPath string `hcl:"http_poll_path,optional"`
	WebSocketPath string `hcl:"websocket_path,optional"`
}

// Load parses and decodes the HCL file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.Server.Listen == "" {
		return nil, fmt.Errorf("config: server.listen is required")
	}

	return &cfg, nil
}

// pingInterval parses the configured ping interval, defaulting to 5s.
func (s ServerBlock) pingInterval() (time.Duration, error) {
	return parseDurationOrDefault(s.PingInterval, 5*time.Second)
}

// retryTimeout parses the configured retry timeout, defaulting to 3s.
func (s ServerBlock) retryTimeout() (time.Duration, error) {
	return parseDurationOrDefault(s.RetryTimeout, 3*time.Second)
}

// graceClose parses the configured grace-close window, defaulting to 5s.
func (s ServerBlock) graceClose() (time.Duration, error) {
	return parseDurationOrDefault(s.GraceClose, 5*time.Second)
}

// ConnConfig translates the decoded server block into a conn.Config,
// applying conn's own defaults for anything left unset.
func (s ServerBlock) ConnConfig() (conn.Config, error) {
	ping, err := s.pingInterval()
	if err != nil {
		return conn.Config{}, err
	}

	retry, err := s.retryTimeout()
	if err != nil {
		return conn.Config{}, err
	}

	grace, err := s.graceClose()
	if err != nil {
		return conn.Config{}, err
	}

	cfg := conn.DefaultConfig()
	cfg.PingInterval = ping
	cfg.RetryTimeout = retry
	cfg.GraceClose = grace
	if s.RateLimit > 0 {
		cfg.RateLimit = s.RateLimit
	}
	if s.MaxRetries > 0 {
		cfg.MaxRetries = s.MaxRetries
	}

	return cfg, nil
}

func parseDurationOrDefault(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}

	return d, nil
}
