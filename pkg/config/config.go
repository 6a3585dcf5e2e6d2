package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"socp/pkg/auth"
	"socp/pkg/crypto"
	"socp/pkg/utils"
)

// Defaults for a node started without a config file.
const (
	DefaultListenAddress     = ":8765"
	DefaultKeyFile           = "socp_server.pem"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 45000 * time.Millisecond
	DefaultAnnounceInterval  = 60 * time.Second
	DefaultSeenCacheSize     = 65536
	DefaultSeenTTL           = 10 * time.Minute
	DefaultMaxFrameSize      = utils.MegaByte
	DefaultMaxForwardHops    = 4
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// ServerID is this node's identity; a random UUID when empty.
	ServerID      string `json:"server_id"`
	ListenAddress string `json:"listen_address"`
	// AdvertiseHost and AdvertisePort are sent to peers in handshakes and
	// announces. They default to the listen address.
	AdvertiseHost string `json:"advertise_host,omitempty"`
	AdvertisePort int    `json:"advertise_port,omitempty"`
	// AdminAddress serves the gRPC health service; empty disables it.
	AdminAddress string `json:"admin_address,omitempty"`

	KeyFile string `json:"key_file"`
	KeyBits int    `json:"key_bits"`

	HeartbeatInterval Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout"`
	AnnounceInterval  Duration `json:"announce_interval"`

	SeenCacheSize  int      `json:"seen_cache_size"`
	SeenTTL        Duration `json:"seen_ttl"`
	MaxFrameSize   Size     `json:"max_frame_size"`
	MaxForwardHops int      `json:"max_forward_hops"`

	// BootstrapPeers are ws:// or wss:// URLs dialed at startup.
	BootstrapPeers []string `json:"bootstrap_peers,omitempty"`

	TLS     *auth.TLSConfig `json:"tls,omitempty"`
	LogFile string          `json:"log_file,omitempty"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		ListenAddress:     DefaultListenAddress,
		KeyFile:           DefaultKeyFile,
		KeyBits:           crypto.MinKeyBits,
		HeartbeatInterval: Duration(DefaultHeartbeatInterval),
		HeartbeatTimeout:  Duration(DefaultHeartbeatTimeout),
		AnnounceInterval:  Duration(DefaultAnnounceInterval),
		SeenCacheSize:     DefaultSeenCacheSize,
		SeenTTL:           Duration(DefaultSeenTTL),
		MaxFrameSize:      Size(DefaultMaxFrameSize),
		MaxForwardHops:    DefaultMaxForwardHops,
		TLS:               auth.DefaultTLSConfig(),
	}
}

// LoadConfig reads a JSON config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON config document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.TLS == nil {
		cfg.TLS = auth.DefaultTLSConfig()
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SOCP_* environment variables.
func (c *Config) ApplyEnv() error {
	setString(&c.ServerID, "SOCP_SERVER_ID")
	setString(&c.ListenAddress, "SOCP_LISTEN_ADDRESS")
	setString(&c.AdvertiseHost, "SOCP_ADVERTISE_HOST")
	setString(&c.AdminAddress, "SOCP_ADMIN_ADDRESS")
	setString(&c.KeyFile, "SOCP_KEY_FILE")
	setString(&c.LogFile, "SOCP_LOG_FILE")

	if peers := os.Getenv("SOCP_BOOTSTRAP_PEERS"); peers != "" {
		c.BootstrapPeers = splitList(peers)
	}

	if err := setInt(&c.AdvertisePort, "SOCP_ADVERTISE_PORT"); err != nil {
		return err
	}
	if err := setInt(&c.KeyBits, "SOCP_KEY_BITS"); err != nil {
		return err
	}
	if err := setInt(&c.MaxForwardHops, "SOCP_MAX_FORWARD_HOPS"); err != nil {
		return err
	}
	if err := setDuration(&c.HeartbeatInterval, "SOCP_HEARTBEAT_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.HeartbeatTimeout, "SOCP_HEARTBEAT_TIMEOUT"); err != nil {
		return err
	}
	if v := os.Getenv("SOCP_MAX_FRAME_SIZE"); v != "" {
		n, err := utils.ParseDataSize(v)
		if err != nil {
			return fmt.Errorf("SOCP_MAX_FRAME_SIZE: %w", err)
		}
		c.MaxFrameSize = Size(n)
	}
	return nil
}

// EnsureServerID assigns a random id when none is configured.
func (c *Config) EnsureServerID() string {
	if c.ServerID == "" {
		c.ServerID = uuid.New().String()
	}
	return c.ServerID
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.ListenAddress == "" {
		problems = append(problems, "listen_address is required")
	}
	if c.KeyBits < crypto.MinKeyBits {
		problems = append(problems, fmt.Sprintf("key_bits must be at least %d, got %d", crypto.MinKeyBits, c.KeyBits))
	}
	if c.HeartbeatInterval <= 0 {
		problems = append(problems, "heartbeat_interval must be positive")
	}
	if c.AnnounceInterval <= 0 {
		problems = append(problems, "announce_interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		problems = append(problems, "heartbeat_timeout must be larger than heartbeat_interval")
	}
	if c.SeenCacheSize <= 0 {
		problems = append(problems, "seen_cache_size must be positive")
	}
	if c.SeenTTL <= 0 {
		problems = append(problems, "seen_ttl must be positive")
	}
	if c.MaxFrameSize <= 0 {
		problems = append(problems, "max_frame_size must be positive")
	}
	if c.MaxForwardHops <= 0 {
		problems = append(problems, "max_forward_hops must be positive")
	}
	if c.AdvertisePort < 0 || c.AdvertisePort > 65535 {
		problems = append(problems, "advertise_port out of range")
	}
	for _, peer := range c.BootstrapPeers {
		u, err := url.Parse(peer)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("bootstrap peer %q must be a ws:// or wss:// URL", peer))
		}
	}
	if err := c.TLS.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}

// splitList parses a comma-separated list: ws://a:8765,ws://b:8765
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
