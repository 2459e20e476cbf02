// Package config parses server and client configuration from an
// optional YAML file, environment variables, and flags, in that order
// of increasing precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr             string
	LogLevel         string
	LogFormat        string
	Transport        string // "quic", "ws", or "webrtc"
	StunServers      []string
	Root             string
	MaxPendingBytes  uint32
	MaxChunkSizeBytes uint32
	MaxRetries       uint8
	ChunkTimeout     time.Duration
	TransferContexts uint8
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	ServerAddr       string
	LogLevel         string
	LogFormat        string
	Transport        string
	StunServers      []string
	MaxPendingBytes  uint32
	MaxChunkSizeBytes uint32
	MaxRetries       uint8
	ChunkTimeout     time.Duration
	TransferContexts uint8
}

// fileConfig mirrors the subset of ServerConfig/ClientConfig that may
// be supplied via an optional --config YAML file. Flags and
// environment variables still take precedence over it.
type fileConfig struct {
	Addr              string `yaml:"addr"`
	ServerAddr        string `yaml:"server_addr"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	Transport         string `yaml:"transport"`
	StunServers       string `yaml:"stun_servers"`
	Root              string `yaml:"root"`
	MaxPendingBytes   uint32 `yaml:"max_pending_bytes"`
	MaxChunkSizeBytes uint32 `yaml:"max_chunk_size_bytes"`
	MaxRetries        uint8  `yaml:"max_retries"`
	ChunkTimeout      string `yaml:"chunk_timeout"`
	TransferContexts  uint8  `yaml:"transfer_contexts"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return fc, nil
}

// defaultMaxPendingBytes mirrors spec.md §6: default equals the size of
// the chunk data buffer.
const (
	defaultMaxChunkSizeBytes = 4096
	defaultMaxPendingBytes   = defaultMaxChunkSizeBytes
	defaultMaxRetries        = 3
	defaultChunkTimeout      = 5 * time.Second
	defaultTransferContexts  = 1
)

// ParseServerConfig parses server configuration from an optional
// --config YAML file, environment variables, and flags.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.NewFlagSet("chunkwire-server", flag.ContinueOnError), os.Args[1:])
}

func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	var configPath string
	fs.StringVar(&configPath, "config", "", "optional YAML config file")
	// Parse once just to discover -config before building the real flag set.
	peek := *fs
	_ = peek.Parse(args)

	fc, err := loadFileConfig(configPath)
	if err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		Addr:              firstNonEmpty(fc.Addr, ":9443"),
		LogLevel:          firstNonEmpty(fc.LogLevel, "info"),
		LogFormat:         firstNonEmpty(fc.LogFormat, "text"),
		Transport:         firstNonEmpty(fc.Transport, "quic"),
		StunServers:       splitCSV(fc.StunServers),
		Root:              firstNonEmpty(fc.Root, "."),
		MaxPendingBytes:   firstNonZeroU32(fc.MaxPendingBytes, defaultMaxPendingBytes),
		MaxChunkSizeBytes: firstNonZeroU32(fc.MaxChunkSizeBytes, defaultMaxChunkSizeBytes),
		MaxRetries:        firstNonZeroU8(fc.MaxRetries, defaultMaxRetries),
		ChunkTimeout:      parseDurationOr(fc.ChunkTimeout, defaultChunkTimeout),
		TransferContexts:  firstNonZeroU8(fc.TransferContexts, defaultTransferContexts),
	}

	applyEnvServer(&cfg)

	fs2 := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	fs2.StringVar(&configPath, "config", configPath, "optional YAML config file")
	fs2.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs2.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs2.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs2.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: quic, ws, or webrtc")
	stunServers := strings.Join(cfg.StunServers, ",")
	fs2.StringVar(&stunServers, "stun-servers", stunServers, "comma-separated STUN servers for -transport=webrtc")
	fs2.StringVar(&cfg.Root, "root", cfg.Root, "directory served to clients")
	// max-chunk-size-bytes is reported here as configured; the
	// orchestrator clamps it to chunk.HardMaxChunkSize before it reaches
	// an engine, so the clamped value is what peers are offered.
	uintVar32(fs2, &cfg.MaxPendingBytes, "max-pending-bytes", cfg.MaxPendingBytes, "receiver flow-control window ceiling")
	uintVar32(fs2, &cfg.MaxChunkSizeBytes, "max-chunk-size-bytes", cfg.MaxChunkSizeBytes, "ceiling per data chunk")
	uintVar8(fs2, &cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retransmit/timeout attempts before DeadlineExceeded")
	fs2.DurationVar(&cfg.ChunkTimeout, "chunk-timeout", cfg.ChunkTimeout, "receiver per-chunk deadline")
	uintVar8(fs2, &cfg.TransferContexts, "transfer-contexts", cfg.TransferContexts, "concurrent-transfer slots")
	if err := fs2.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	cfg.StunServers = splitCSV(stunServers)

	return cfg, nil
}

// ParseClientConfig parses client configuration the same way as
// ParseServerConfig.
func ParseClientConfig() (ClientConfig, error) {
	cfg, _, err := ParseClientConfigArgs()
	return cfg, err
}

// ParseClientConfigArgs is ParseClientConfig plus the positional
// arguments left over after flag parsing (e.g. the "get"/"put"
// command and path the chunkwire-client binary takes).
func ParseClientConfigArgs() (ClientConfig, []string, error) {
	return parseClientConfigWithFlagSet(flag.NewFlagSet("chunkwire-client", flag.ContinueOnError), os.Args[1:])
}

func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, []string, error) {
	var configPath string
	fs.StringVar(&configPath, "config", "", "optional YAML config file")
	peek := *fs
	_ = peek.Parse(args)

	fc, err := loadFileConfig(configPath)
	if err != nil {
		return ClientConfig{}, nil, err
	}

	cfg := ClientConfig{
		ServerAddr:        firstNonEmpty(fc.ServerAddr, "localhost:9443"),
		LogLevel:          firstNonEmpty(fc.LogLevel, "info"),
		LogFormat:         firstNonEmpty(fc.LogFormat, "text"),
		Transport:         firstNonEmpty(fc.Transport, "quic"),
		StunServers:       splitCSV(fc.StunServers),
		MaxPendingBytes:   firstNonZeroU32(fc.MaxPendingBytes, defaultMaxPendingBytes),
		MaxChunkSizeBytes: firstNonZeroU32(fc.MaxChunkSizeBytes, defaultMaxChunkSizeBytes),
		MaxRetries:        firstNonZeroU8(fc.MaxRetries, defaultMaxRetries),
		ChunkTimeout:      parseDurationOr(fc.ChunkTimeout, defaultChunkTimeout),
		TransferContexts:  firstNonZeroU8(fc.TransferContexts, defaultTransferContexts),
	}

	applyEnvClient(&cfg)

	fs2 := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	fs2.StringVar(&configPath, "config", configPath, "optional YAML config file")
	fs2.StringVar(&cfg.ServerAddr, "server-addr", cfg.ServerAddr, "server address")
	fs2.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs2.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs2.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: quic, ws, or webrtc")
	stunServers := strings.Join(cfg.StunServers, ",")
	fs2.StringVar(&stunServers, "stun-servers", stunServers, "comma-separated STUN servers for -transport=webrtc")
	uintVar32(fs2, &cfg.MaxPendingBytes, "max-pending-bytes", cfg.MaxPendingBytes, "receiver flow-control window ceiling")
	uintVar32(fs2, &cfg.MaxChunkSizeBytes, "max-chunk-size-bytes", cfg.MaxChunkSizeBytes, "ceiling per data chunk")
	uintVar8(fs2, &cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retransmit/timeout attempts before DeadlineExceeded")
	fs2.DurationVar(&cfg.ChunkTimeout, "chunk-timeout", cfg.ChunkTimeout, "receiver per-chunk deadline")
	uintVar8(fs2, &cfg.TransferContexts, "transfer-contexts", cfg.TransferContexts, "concurrent-transfer slots")
	if err := fs2.Parse(args); err != nil {
		return ClientConfig{}, nil, err
	}
	cfg.StunServers = splitCSV(stunServers)

	return cfg, fs2.Args(), nil
}

func applyEnvServer(cfg *ServerConfig) {
	if v := os.Getenv("CHUNKWIRE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CHUNKWIRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHUNKWIRE_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
}

func applyEnvClient(cfg *ClientConfig) {
	if v := os.Getenv("CHUNKWIRE_SERVER_ADDR"); v != "" {
		cfg.ServerAddr = v
	}
	if v := os.Getenv("CHUNKWIRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHUNKWIRE_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
}

// splitCSV splits a comma-separated flag/YAML value into a slice,
// dropping empty entries (so an unset flag yields nil, not [""]).
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZeroU32(a, b uint32) uint32 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroU8(a, b uint8) uint8 {
	if a != 0 {
		return a
	}
	return b
}

func parseDurationOr(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return d
	}
	return parsed
}

func uintVar32(fs *flag.FlagSet, p *uint32, name string, value uint32, usage string) {
	fs.Var(newU32Value(p, value), name, usage)
}

func uintVar8(fs *flag.FlagSet, p *uint8, name string, value uint8, usage string) {
	fs.Var(newU8Value(p, value), name, usage)
}

// u32Value/u8Value adapt uint32/uint8 fields to flag.Value so their
// real memory is updated directly by fs.Parse.
type u32Value struct {
	p *uint32
}

func newU32Value(p *uint32, value uint32) *u32Value {
	*p = value
	return &u32Value{p: p}
}

func (v *u32Value) String() string {
	if v.p == nil {
		return "0"
	}
	return fmt.Sprintf("%d", *v.p)
}

func (v *u32Value) Set(s string) error {
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return err
	}
	if n > 0xFFFFFFFF {
		return fmt.Errorf("value %d out of range for uint32", n)
	}
	*v.p = uint32(n)
	return nil
}

var _ flag.Value = (*u32Value)(nil)

type u8Value struct {
	p *uint8
}

func newU8Value(p *uint8, value uint8) *u8Value {
	*p = value
	return &u8Value{p: p}
}

func (v *u8Value) String() string {
	if v.p == nil {
		return "0"
	}
	return fmt.Sprintf("%d", *v.p)
}

func (v *u8Value) Set(s string) error {
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return err
	}
	if n > 255 {
		return fmt.Errorf("value %d out of range for uint8", n)
	}
	*v.p = uint8(n)
	return nil
}

var _ flag.Value = (*u8Value)(nil)
