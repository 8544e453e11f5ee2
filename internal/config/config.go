package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/muxsched/internal/scheduler"
)

const (
	TransportQUIC = "quic"
	TransportWS   = "ws"

	minFrameSize = 256
	maxFrameSize = 1 << 20
	maxStreams   = 1024
)

// ServerConfig holds configuration for the muxd binary.
type ServerConfig struct {
	QUICAddr  string `yaml:"quic_addr"`
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Scheduler string `yaml:"scheduler"` // strategy used to mirror the peer's stream tree
}

// SenderConfig holds configuration for the muxsend binary.
type SenderConfig struct {
	Transport   string `yaml:"transport"` // "quic" or "ws"
	Addr        string `yaml:"addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	Scheduler   string `yaml:"scheduler"`
	Streams     int    `yaml:"streams"`      // Logical streams to open (1..1024)
	StreamBytes int64  `yaml:"stream_bytes"` // Bytes written on each stream
	FrameSize   int    `yaml:"frame_size"`   // Max DATA payload per frame (256..1 MiB)
	RateBytes   int    `yaml:"rate_bytes"`   // Outbound pacing in bytes/s, 0 disables
}

// ParseServerConfig parses server configuration from an optional YAML file,
// environment variables and flags, in increasing order of precedence.
// Defaults: quicAddr=":4433", httpAddr=":8080", logLevel="info", scheduler="http2"
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		QUICAddr:  ":4433",
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Scheduler: string(scheduler.KindHTTP2),
	}

	path := configFileArg(args)
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	// Read from environment next
	envString("MUXSCHED_QUIC_ADDR", &cfg.QUICAddr)
	envString("MUXSCHED_HTTP_ADDR", &cfg.HTTPAddr)
	envString("MUXSCHED_LOG_LEVEL", &cfg.LogLevel)
	envString("MUXSCHED_LOG_FORMAT", &cfg.LogFormat)
	envString("MUXSCHED_SCHEDULER", &cfg.Scheduler)

	// Flags override environment
	fs.String("config", path, "YAML configuration file")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables)")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "websocket listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.StringVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "scheduler kind (fifo, lifo, priority, http2)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if _, err := scheduler.ParseKind(cfg.Scheduler); err != nil {
		return cfg, err
	}
	if cfg.QUICAddr == "" && cfg.HTTPAddr == "" {
		return cfg, fmt.Errorf("at least one of quic-addr and http-addr is required")
	}
	return cfg, nil
}

// ParseSenderConfig parses sender configuration from an optional YAML file,
// environment variables and flags, in increasing order of precedence.
// Defaults: transport="quic", addr="localhost:4433", scheduler="http2", streams=8
func ParseSenderConfig() (SenderConfig, error) {
	return parseSenderConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseSenderConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSenderConfigWithFlagSet(fs *flag.FlagSet, args []string) (SenderConfig, error) {
	cfg := SenderConfig{
		Transport:   TransportQUIC,
		Addr:        "localhost:4433",
		LogLevel:    "info",
		LogFormat:   "text",
		Scheduler:   string(scheduler.KindHTTP2),
		Streams:     8,
		StreamBytes: 1 << 20,
		FrameSize:   16 * 1024,
	}

	path := configFileArg(args)
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	envString("MUXSCHED_TRANSPORT", &cfg.Transport)
	envString("MUXSCHED_ADDR", &cfg.Addr)
	envString("MUXSCHED_LOG_LEVEL", &cfg.LogLevel)
	envString("MUXSCHED_LOG_FORMAT", &cfg.LogFormat)
	envString("MUXSCHED_SCHEDULER", &cfg.Scheduler)
	if err := envInt("MUXSCHED_STREAMS", &cfg.Streams); err != nil {
		return cfg, err
	}

	fs.String("config", path, "YAML configuration file")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (quic, ws)")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address (host:port for quic, ws:// URL for ws)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.StringVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "scheduler kind (fifo, lifo, priority, http2)")
	fs.IntVar(&cfg.Streams, "streams", cfg.Streams, "logical streams to open (1..1024)")
	fs.Int64Var(&cfg.StreamBytes, "stream-bytes", cfg.StreamBytes, "bytes written per stream")
	fs.IntVar(&cfg.FrameSize, "frame-size", cfg.FrameSize, "max DATA frame payload in bytes (256..1048576)")
	fs.IntVar(&cfg.RateBytes, "rate", cfg.RateBytes, "outbound pacing in bytes/s (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Transport = strings.ToLower(cfg.Transport)
	if cfg.Transport != TransportQUIC && cfg.Transport != TransportWS {
		return cfg, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if _, err := scheduler.ParseKind(cfg.Scheduler); err != nil {
		return cfg, err
	}

	if cfg.Streams < 1 {
		cfg.Streams = 1
	}
	if cfg.Streams > maxStreams {
		cfg.Streams = maxStreams
	}
	if cfg.FrameSize < minFrameSize {
		cfg.FrameSize = minFrameSize
	}
	if cfg.FrameSize > maxFrameSize {
		cfg.FrameSize = maxFrameSize
	}
	if cfg.StreamBytes < 0 {
		cfg.StreamBytes = 0
	}
	if cfg.RateBytes < 0 {
		cfg.RateBytes = 0
	}
	return cfg, nil
}

// configFileArg finds the -config flag ahead of the full parse so the file
// can sit below environment variables and flags.
func configFileArg(args []string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("MUXSCHED_CONFIG")
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
