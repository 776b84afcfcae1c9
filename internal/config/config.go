package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"veilgate/internal/identity"
)

type Config struct {
	Listen    string          `yaml:"listen"`
	Reality   RealityConfig   `yaml:"reality"`
	Clients   []Client        `yaml:"clients"`
	Transport TransportConfig `yaml:"transport"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Logging   Logging         `yaml:"logging"`
	Metrics   Metrics         `yaml:"metrics"`
}

// RealityConfig holds the authentication identity and decoy settings.
type RealityConfig struct {
	PrivateKey   string   `yaml:"private_key"`
	ShortIDs     []string `yaml:"short_ids"`
	Dest         string   `yaml:"dest"`         // decoy host[:port], port 443 default
	ServerNames  []string `yaml:"server_names"` // accepted SNI values
	ReplayWindow string   `yaml:"replay_window"`
	CertCacheTTL string   `yaml:"cert_cache_ttl"` // decoy certificate cache lifetime
}

// Client identifies one authorized user.
type Client struct {
	ID   string `yaml:"id"`   // UUID
	Name string `yaml:"name"` // optional label for logs
}

// TransportConfig selects and tunes post-handshake carriers.
type TransportConfig struct {
	XHTTP XHTTPConfig `yaml:"xhttp"`
}

// XHTTPConfig configures the HTTP/2 adaptive split-stream transport.
type XHTTPConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Path             string `yaml:"path"` // URL prefix, default "/"
	PairingTimeout   string `yaml:"pairing_timeout"`
	MaxBufferedChunk int    `yaml:"max_buffered_chunks"` // reorder buffer, chunk count
	MaxBufferedBytes int    `yaml:"max_buffered_bytes"`  // reorder buffer, byte total
	Compression      string `yaml:"compression"`         // off, fastest, default, slow, slowest
}

// OutboundConfig tunes upstream dialing.
type OutboundConfig struct {
	DialTimeout string   `yaml:"dial_timeout"`
	DNSServers  []string `yaml:"dns_servers"` // optional resolvers, system default when empty
	UDPTimeout  string   `yaml:"udp_timeout"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
	Pprof  bool   `yaml:"pprof"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.XHTTP.Path == "" {
		c.Transport.XHTTP.Path = "/"
	}
	if c.Transport.XHTTP.PairingTimeout == "" {
		c.Transport.XHTTP.PairingTimeout = "5s"
	}
	if c.Transport.XHTTP.MaxBufferedChunk == 0 {
		c.Transport.XHTTP.MaxBufferedChunk = 64
	}
	if c.Transport.XHTTP.MaxBufferedBytes == 0 {
		c.Transport.XHTTP.MaxBufferedBytes = 4 * 1024 * 1024
	}
	if c.Transport.XHTTP.Compression == "" {
		c.Transport.XHTTP.Compression = "off"
	}
	if c.Outbound.DialTimeout == "" {
		c.Outbound.DialTimeout = "10s"
	}
	if c.Outbound.UDPTimeout == "" {
		c.Outbound.UDPTimeout = "2m"
	}
	if c.Reality.ReplayWindow == "" {
		c.Reality.ReplayWindow = "2m"
	}
	if c.Reality.CertCacheTTL == "" {
		c.Reality.CertCacheTTL = "1h"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen invalid (expected host:port): %w", err)
	}
	if strings.TrimSpace(c.Reality.PrivateKey) == "" {
		return fmt.Errorf("reality.private_key is required")
	}
	if strings.TrimSpace(c.Reality.Dest) == "" {
		return fmt.Errorf("reality.dest is required")
	}
	if len(c.Clients) == 0 {
		return fmt.Errorf("at least one client is required")
	}
	seen := make(map[string]struct{}, len(c.Clients))
	for i, cl := range c.Clients {
		if _, err := identity.ParseClientID(cl.ID); err != nil {
			return fmt.Errorf("clients[%d].id: %w", i, err)
		}
		if _, dup := seen[cl.ID]; dup {
			return fmt.Errorf("clients[%d].id duplicated", i)
		}
		seen[cl.ID] = struct{}{}
	}
	for i, sid := range c.Reality.ShortIDs {
		if _, err := identity.ParseShortTag(sid); err != nil {
			return fmt.Errorf("reality.short_ids[%d]: %w", i, err)
		}
	}
	if !strings.HasPrefix(c.Transport.XHTTP.Path, "/") {
		return fmt.Errorf("transport.xhttp.path must start with /")
	}
	switch strings.ToLower(strings.TrimSpace(c.Transport.XHTTP.Compression)) {
	case "off", "fastest", "fast", "default", "slow", "slowest":
	default:
		return fmt.Errorf("transport.xhttp.compression must be one of: off, fastest, fast, default, slow, slowest")
	}
	if c.Transport.XHTTP.MaxBufferedChunk < 1 {
		return fmt.Errorf("transport.xhttp.max_buffered_chunks must be >= 1")
	}
	if c.Transport.XHTTP.MaxBufferedBytes < 64*1024 {
		return fmt.Errorf("transport.xhttp.max_buffered_bytes must be >= 65536")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	for _, d := range []struct{ name, val string }{
		{"reality.replay_window", c.Reality.ReplayWindow},
		{"reality.cert_cache_ttl", c.Reality.CertCacheTTL},
		{"transport.xhttp.pairing_timeout", c.Transport.XHTTP.PairingTimeout},
		{"outbound.dial_timeout", c.Outbound.DialTimeout},
		{"outbound.udp_timeout", c.Outbound.UDPTimeout},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
	}
	for i, srv := range c.Outbound.DNSServers {
		if _, _, err := net.SplitHostPort(srv); err != nil {
			return fmt.Errorf("outbound.dns_servers[%d] invalid (expected host:port): %w", i, err)
		}
	}
	return nil
}

// Identity builds the immutable identity snapshot from the loaded config.
func (c *Config) Identity() (*identity.Identity, error) {
	clientIDs := make([]string, 0, len(c.Clients))
	for _, cl := range c.Clients {
		clientIDs = append(clientIDs, cl.ID)
	}
	return identity.New(identity.Params{
		PrivateKey:     c.Reality.PrivateKey,
		ShortTags:      c.Reality.ShortIDs,
		ClientIDs:      clientIDs,
		CamouflageDest: c.Reality.Dest,
		ServerNames:    c.Reality.ServerNames,
		ReplayWindow:   c.ReplayWindow(),
	})
}

func (c *Config) ReplayWindow() time.Duration {
	return parseDurationOr(c.Reality.ReplayWindow, 2*time.Minute)
}

func (c *Config) CertCacheTTL() time.Duration {
	return parseDurationOr(c.Reality.CertCacheTTL, time.Hour)
}

func (c *Config) PairingTimeout() time.Duration {
	return parseDurationOr(c.Transport.XHTTP.PairingTimeout, 5*time.Second)
}

func (c *Config) DialTimeout() time.Duration {
	return parseDurationOr(c.Outbound.DialTimeout, 10*time.Second)
}

func (c *Config) UDPTimeout() time.Duration {
	return parseDurationOr(c.Outbound.UDPTimeout, 2*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}
