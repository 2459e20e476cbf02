package config

import (
	"flag"
	"os"
	"testing"
	"time"
)

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Addr != ":9443" {
		t.Errorf("Addr = %s, want :9443", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.MaxChunkSizeBytes != defaultMaxChunkSizeBytes {
		t.Errorf("MaxChunkSizeBytes = %d, want %d", cfg.MaxChunkSizeBytes, defaultMaxChunkSizeBytes)
	}
	if cfg.MaxPendingBytes != defaultMaxPendingBytes {
		t.Errorf("MaxPendingBytes = %d, want %d", cfg.MaxPendingBytes, defaultMaxPendingBytes)
	}
	if cfg.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, defaultMaxRetries)
	}
	if cfg.ChunkTimeout != defaultChunkTimeout {
		t.Errorf("ChunkTimeout = %v, want %v", cfg.ChunkTimeout, defaultChunkTimeout)
	}
	if cfg.TransferContexts != defaultTransferContexts {
		t.Errorf("TransferContexts = %d, want %d", cfg.TransferContexts, defaultTransferContexts)
	}
}

func TestParseServerConfig_Flags(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{
		"-addr", ":9090",
		"-log-level", "debug",
		"-max-chunk-size-bytes", "8192",
		"-max-pending-bytes", "16384",
		"-max-retries", "5",
		"-chunk-timeout", "2s",
		"-transfer-contexts", "4",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %s", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.MaxChunkSizeBytes != 8192 {
		t.Errorf("MaxChunkSizeBytes = %d", cfg.MaxChunkSizeBytes)
	}
	if cfg.MaxPendingBytes != 16384 {
		t.Errorf("MaxPendingBytes = %d", cfg.MaxPendingBytes)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.ChunkTimeout != 2*time.Second {
		t.Errorf("ChunkTimeout = %v", cfg.ChunkTimeout)
	}
	if cfg.TransferContexts != 4 {
		t.Errorf("TransferContexts = %d", cfg.TransferContexts)
	}
}

func TestParseServerConfig_EnvFallback(t *testing.T) {
	os.Clearenv()
	os.Setenv("CHUNKWIRE_ADDR", ":7070")
	os.Setenv("CHUNKWIRE_LOG_LEVEL", "warn")
	defer os.Unsetenv("CHUNKWIRE_ADDR")
	defer os.Unsetenv("CHUNKWIRE_LOG_LEVEL")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Addr != ":7070" {
		t.Errorf("Addr = %s, want :7070", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %s, want warn", cfg.LogLevel)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("CHUNKWIRE_ADDR", ":7070")
	defer os.Unsetenv("CHUNKWIRE_ADDR")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{"-addr", ":9090"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %s, want :9090 (flag should win)", cfg.Addr)
	}
}

func TestParseServerConfig_FromFile(t *testing.T) {
	os.Clearenv()

	dir := t.TempDir()
	path := dir + "/cfg.yaml"
	if err := os.WriteFile(path, []byte("addr: \":1234\"\nmax_retries: 7\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{"-config", path})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != ":1234" {
		t.Errorf("Addr = %s, want :1234", cfg.Addr)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
}

func TestParseClientConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, _, err := parseClientConfigWithFlagSet(fs, []string{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.ServerAddr != "localhost:9443" {
		t.Errorf("ServerAddr = %s", cfg.ServerAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.Transport != "quic" {
		t.Errorf("Transport = %s", cfg.Transport)
	}
}

func TestParseClientConfig_Flags(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, _, err := parseClientConfigWithFlagSet(fs, []string{
		"-server-addr", "example.com:9090",
		"-log-level", "debug",
		"-transport", "ws",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.ServerAddr != "example.com:9090" {
		t.Errorf("ServerAddr = %s", cfg.ServerAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.Transport != "ws" {
		t.Errorf("Transport = %s", cfg.Transport)
	}
}

func TestParseClientConfig_LeftoverArgsAreCommandAndPath(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, rest, err := parseClientConfigWithFlagSet(fs, []string{"-transport", "ws", "get", "some/file.bin"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rest) != 2 || rest[0] != "get" || rest[1] != "some/file.bin" {
		t.Errorf("leftover args = %v, want [get some/file.bin]", rest)
	}
}

func TestParseClientConfig_EnvFallback(t *testing.T) {
	os.Clearenv()
	os.Setenv("CHUNKWIRE_SERVER_ADDR", "env.example.com:7070")
	defer os.Unsetenv("CHUNKWIRE_SERVER_ADDR")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, _, err := parseClientConfigWithFlagSet(fs, []string{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ServerAddr != "env.example.com:7070" {
		t.Errorf("ServerAddr = %s, want env.example.com:7070", cfg.ServerAddr)
	}
}
