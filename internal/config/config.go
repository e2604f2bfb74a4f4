// Package config loads the server configuration.
//
// Sources are layered with koanf, later ones winning: built-in defaults, an
// optional YAML file, AERO_MESH_* environment variables and finally CLI
// flags. Nested keys use "." in files and flags and "__" in environment
// variable names, so overlay.mode is AERO_MESH_OVERLAY__MODE.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/overlay"
)

const EnvPrefix = "AERO_MESH_"

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode            = ModeDev
	DefaultOverlayMode     = string(overlay.ModeFullMesh)
	DefaultFabricOpTimeout = 5 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultSignalingJoinTimeout          = 10 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueMessages    = 256

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"

	DefaultRaftBindAddr       = "127.0.0.1:7946"
	DefaultGossipBindPort     = 7947
	DefaultFabricApplyTimeout = 5 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string        `koanf:"listen_addr"`
	PublicBaseURL   string        `koanf:"public_base_url"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	Mode            Mode          `koanf:"run_mode"`
	Log             LogConfig     `koanf:"log"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// MaxPeers bounds connections per process; 0 is unlimited.
	MaxPeers int `koanf:"max_peers"`

	Overlay   OverlayConfig   `koanf:"overlay"`
	Signaling SignalingConfig `koanf:"signaling"`
	Fabric    FabricConfig    `koanf:"fabric"`
	ICE       ICEConfig       `koanf:"ice"`
	TURNREST  TURNRESTConfig  `koanf:"turn_rest"`
	Cluster   ClusterConfig   `koanf:"cluster"`

	// Derived by Load.
	LogFormat  LogFormat          `koanf:"-"`
	LogLevel   slog.Level         `koanf:"-"`
	ICEServers []webrtc.ICEServer `koanf:"-"`
}

type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

type OverlayConfig struct {
	Mode string `koanf:"mode"`
	// ReliabilityNines is unset unless configured; gossip then uses the
	// default fan-out.
	ReliabilityNines *int `koanf:"reliability_nines"`
}

type SignalingConfig struct {
	MaxMessageBytes      int64         `koanf:"max_message_bytes"`
	MaxMessagesPerSecond int           `koanf:"max_messages_per_second"`
	WSIdleTimeout        time.Duration `koanf:"ws_idle_timeout"`
	WSPingInterval       time.Duration `koanf:"ws_ping_interval"`
	SendQueueMessages    int           `koanf:"send_queue_messages"`
	JoinTimeout          time.Duration `koanf:"join_timeout"`
}

type FabricConfig struct {
	OpTimeout time.Duration `koanf:"op_timeout"`
}

type ICEConfig struct {
	ServersJSON    string   `koanf:"servers_json"`
	STUNURLs       []string `koanf:"stun_urls"`
	TURNURLs       []string `koanf:"turn_urls"`
	TURNUsername   string   `koanf:"turn_username"`
	TURNCredential string   `koanf:"turn_credential"`
}

type TURNRESTConfig struct {
	SharedSecret   string `koanf:"shared_secret"`
	TTLSeconds     int64  `koanf:"ttl_seconds"`
	UsernamePrefix string `koanf:"username_prefix"`
	Realm          string `koanf:"realm"`
}

func (c TURNRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

type ClusterConfig struct {
	Enabled           bool          `koanf:"enabled"`
	NodeID            string        `koanf:"node_id"`
	Bootstrap         bool          `koanf:"bootstrap"`
	RaftBindAddr      string        `koanf:"raft_bind_addr"`
	RaftAdvertiseAddr string        `koanf:"raft_advertise_addr"`
	RaftDataDir       string        `koanf:"raft_data_dir"`
	GossipBindAddr    string        `koanf:"gossip_bind_addr"`
	GossipBindPort    int           `koanf:"gossip_bind_port"`
	Seeds             []string      `koanf:"seeds"`
	HTTPAdvertiseAddr string        `koanf:"http_advertise_addr"`
	Secret            string        `koanf:"secret"`
	ApplyTimeout      time.Duration `koanf:"apply_timeout"`
}

// Options selects the sources Load reads besides defaults and environment.
type Options struct {
	// File is a YAML file path. Empty skips the file layer.
	File string
	// Flags holds dotted keys set explicitly on the command line.
	Flags map[string]any
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr":      DefaultListenAddr,
		"run_mode":         string(DefaultMode),
		"shutdown_timeout": DefaultShutdown.String(),
		"max_peers":        0,

		"overlay.mode": DefaultOverlayMode,

		"signaling.max_message_bytes":       DefaultMaxSignalingMessageBytes,
		"signaling.max_messages_per_second": DefaultMaxSignalingMessagesPerSecond,
		"signaling.ws_idle_timeout":         DefaultSignalingWSIdleTimeout.String(),
		"signaling.ws_ping_interval":        DefaultSignalingWSPingInterval.String(),
		"signaling.send_queue_messages":     DefaultSignalingSendQueueMessages,
		"signaling.join_timeout":            DefaultSignalingJoinTimeout.String(),

		"fabric.op_timeout": DefaultFabricOpTimeout.String(),

		"turn_rest.ttl_seconds":     DefaultTURNRESTTTLSeconds,
		"turn_rest.username_prefix": DefaultTURNRESTUsernamePrefix,

		"cluster.raft_bind_addr":   DefaultRaftBindAddr,
		"cluster.gossip_bind_port": DefaultGossipBindPort,
		"cluster.apply_timeout":    DefaultFabricApplyTimeout.String(),
	}
}

// Load reads every source, fills derived fields and validates the result.
func Load(opts Options) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(nest(defaults())), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", opts.File, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	if len(opts.Flags) > 0 {
		if err := k.Load(mapProvider(nest(opts.Flags)), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps AERO_MESH_OVERLAY__RELIABILITY_NINES to
// overlay.reliability_nines.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// finish derives the computed fields and validates.
func (c *Config) finish() error {
	mode, err := parseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode

	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormatForMode(mode)
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevelForMode(mode)
	}
	if c.LogFormat, err = parseLogFormat(c.Log.Format); err != nil {
		return err
	}
	if c.LogLevel, err = parseLogLevel(c.Log.Level); err != nil {
		return err
	}

	c.AllowedOrigins = splitList(c.AllowedOrigins)
	c.ICE.STUNURLs = splitList(c.ICE.STUNURLs)
	c.ICE.TURNURLs = splitList(c.ICE.TURNURLs)
	c.Cluster.Seeds = splitList(c.Cluster.Seeds)

	if c.ICEServers, err = parseICEServers(c.ICE, c.TURNREST.Enabled()); err != nil {
		return err
	}
	return c.Validate()
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		add("listen_addr %q: %v", c.ListenAddr, err)
	}
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("public_base_url %q must be an absolute http(s) URL", c.PublicBaseURL)
		}
	}
	if _, rejected := origin.NewPolicy(c.AllowedOrigins); len(rejected) > 0 {
		add("allowed_origins: invalid origins %v", rejected)
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdown_timeout must be > 0")
	}
	if c.MaxPeers < 0 {
		add("max_peers must be >= 0")
	}

	if _, err := overlay.ParseMode(c.Overlay.Mode); err != nil {
		add("overlay.mode: %v", err)
	}
	if n := c.Overlay.ReliabilityNines; n != nil && *n < 0 {
		add("overlay.reliability_nines must be >= 0")
	}

	s := c.Signaling
	if s.MaxMessageBytes <= 0 {
		add("signaling.max_message_bytes must be > 0")
	}
	if s.MaxMessagesPerSecond <= 0 {
		add("signaling.max_messages_per_second must be > 0")
	}
	if s.WSIdleTimeout <= 0 || s.WSPingInterval <= 0 {
		add("signaling.ws_idle_timeout and signaling.ws_ping_interval must be > 0")
	} else if s.WSPingInterval >= s.WSIdleTimeout {
		add("signaling.ws_ping_interval (%s) must be shorter than signaling.ws_idle_timeout (%s)", s.WSPingInterval, s.WSIdleTimeout)
	}
	if s.SendQueueMessages <= 0 {
		add("signaling.send_queue_messages must be > 0")
	}
	if s.JoinTimeout <= 0 {
		add("signaling.join_timeout must be > 0")
	}
	if c.Fabric.OpTimeout <= 0 {
		add("fabric.op_timeout must be > 0")
	}

	if c.TURNREST.Enabled() {
		if c.TURNREST.TTLSeconds <= 0 {
			add("turn_rest.ttl_seconds must be > 0")
		}
		if c.TURNREST.UsernamePrefix == "" || strings.Contains(c.TURNREST.UsernamePrefix, ":") {
			add("turn_rest.username_prefix must be non-empty and must not contain ':'")
		}
	}

	if cl := c.Cluster; cl.Enabled {
		if cl.NodeID == "" {
			add("cluster.node_id is required when cluster.enabled")
		}
		if cl.Secret == "" {
			add("cluster.secret is required when cluster.enabled")
		}
		if _, _, err := net.SplitHostPort(cl.RaftBindAddr); err != nil {
			add("cluster.raft_bind_addr %q: %v", cl.RaftBindAddr, err)
		}
		if cl.GossipBindPort < 0 || cl.GossipBindPort > 65535 {
			add("cluster.gossip_bind_port %d out of range", cl.GossipBindPort)
		}
		if cl.GossipBindAddr != "" && cl.HTTPAdvertiseAddr == "" {
			add("cluster.http_advertise_addr is required when cluster.gossip_bind_addr is set")
		}
		if cl.ApplyTimeout <= 0 {
			add("cluster.apply_timeout must be > 0")
		}
	}

	return errors.Join(errs...)
}

// Nines returns the configured reliability target for the overlay.
func (c Config) Nines() *int {
	if c.Overlay.ReliabilityNines == nil {
		return nil
	}
	n := *c.Overlay.ReliabilityNines
	return &n
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid run_mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log.format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q (expected debug, info, warn, error)", raw)
	}
}

// splitList accepts both YAML lists and comma-separated strings, which is
// what environment variables produce.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		out = append(out, splitCommaSeparated(item)...)
	}
	return out
}
