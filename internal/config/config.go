// Package config collects the ptzhead settings from flags and PTZHEAD_*
// environment variables. Flags win over the environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ptzhead/internal/limits"
)

// Device backends.
const (
	BackendVISCA     = "visca"
	BackendPanasonic = "panasonic"
	BackendSim       = "sim"
)

// Config is the runtime configuration of one camera head.
type Config struct {
	ListenAddr string

	Backend       string
	VISCAAddress  string // host:port
	VISCAProtocol string // udp or tcp
	PanasonicAddr string // host
	RTSPURL       string
	ICEServers    []string // stun:/turn: URLs for the preview
	ICEIPs        []string // static host IPs, enables ICE-lite

	DBPath   string
	LogLevel string

	OpticalZoom int // maximum optical ratio of the lens block
	DigitalZoom bool

	LockPoll       time.Duration
	CommandTimeout time.Duration
	LockedAtBoot   bool // initial level of the simulated lock line
}

// Optics returns the fitted lens block.
func (c Config) Optics() limits.Optics {
	return limits.Optics{DigitalZoom: c.DigitalZoom, MaxOpticalRatio: c.OpticalZoom}
}

// Parse reads args (without the program name) on top of the environment.
func Parse(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := envReader{getenv: getenv}

	var cfg Config
	var iceServers, iceIPs string

	fs := flag.NewFlagSet("ptzhead", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", env.str("LISTEN", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.Backend, "backend", env.str("BACKEND", BackendSim), "Device backend (visca, panasonic or sim)")
	fs.StringVar(&cfg.VISCAAddress, "visca", env.str("VISCA_ADDR", ""), "VISCA address (host:port)")
	fs.StringVar(&cfg.VISCAProtocol, "visca-proto", env.str("VISCA_PROTO", "udp"), "VISCA protocol (udp or tcp)")
	fs.StringVar(&cfg.PanasonicAddr, "panasonic", env.str("PANASONIC_ADDR", ""), "Panasonic camera address")
	fs.StringVar(&cfg.RTSPURL, "rtsp", env.str("RTSP_URL", ""), "RTSP URL for camera stream")
	fs.StringVar(&iceServers, "ice-servers", env.str("ICE_SERVERS", ""), "Comma-separated STUN/TURN URLs")
	fs.StringVar(&iceIPs, "ice-ips", env.str("ICE_IPS", ""), "Comma-separated list of static server IPs (enables ICE-lite mode)")
	fs.StringVar(&cfg.DBPath, "db", env.str("DB", "ptzhead.db"), "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", env.str("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.OpticalZoom, "optical-zoom", env.integer("OPTICAL_ZOOM", 20), "Maximum optical zoom ratio (20 or 30)")
	fs.BoolVar(&cfg.DigitalZoom, "digital-zoom", env.boolean("DIGITAL_ZOOM", true), "Lens block supports digital zoom")
	fs.DurationVar(&cfg.LockPoll, "lock-poll", env.duration("LOCK_POLL", 100*time.Millisecond), "Lock line poll interval")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", env.duration("COMMAND_TIMEOUT", 5*time.Second), "Device call timeout")
	fs.BoolVar(&cfg.LockedAtBoot, "sim-locked", env.boolean("SIM_LOCKED", false), "Simulated lock line starts locked")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if env.err != nil {
		return Config{}, env.err
	}
	cfg.ICEServers = splitList(iceServers)
	cfg.ICEIPs = splitList(iceIPs)
	return cfg, cfg.Validate()
}

// Validate checks the backend settings and ranges.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendVISCA:
		if c.VISCAAddress == "" {
			return fmt.Errorf("config: visca backend requires -visca")
		}
		if c.VISCAProtocol != "udp" && c.VISCAProtocol != "tcp" {
			return fmt.Errorf("config: unsupported VISCA protocol: %s", c.VISCAProtocol)
		}
	case BackendPanasonic:
		if c.PanasonicAddr == "" {
			return fmt.Errorf("config: panasonic backend requires -panasonic")
		}
	case BackendSim:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.OpticalZoom != 20 && c.OpticalZoom != 30 {
		return fmt.Errorf("config: optical zoom must be 20 or 30, got %d", c.OpticalZoom)
	}
	if c.LockPoll <= 0 || c.CommandTimeout <= 0 {
		return fmt.Errorf("config: intervals must be positive")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: database path is required")
	}
	return nil
}

// envReader reads PTZHEAD_* defaults and keeps the first malformed value.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(key string) string {
	return strings.TrimSpace(e.getenv("PTZHEAD_" + key))
}

func (e *envReader) str(key, def string) string {
	if v := e.lookup(key); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *envReader) boolean(key string, def bool) bool {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: PTZHEAD_%s: %w", key, err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
