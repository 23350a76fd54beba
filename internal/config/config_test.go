package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %v", cfg.STT.SampleRate)
	}
	if cfg.STT.Engine != "mock" {
		t.Fatalf("expected mock engine by default, got %q", cfg.STT.Engine)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-stt.yaml")
	data := `stt:
  engine: exec
  command: "python3 decoder.py --threads 2"
  model_path: /srv/models/en-us
  sample_rate: 8000
  grammar: ["yes", "no", "[unk]"]
websocket:
  path: /asr
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.Engine != "exec" || cfg.STT.Command != "python3 decoder.py --threads 2" {
		t.Fatalf("unexpected engine settings: %+v", cfg.STT)
	}
	if cfg.STT.SampleRate != 8000 {
		t.Fatalf("expected sample rate 8000, got %v", cfg.STT.SampleRate)
	}
	if len(cfg.STT.Grammar) != 3 || cfg.STT.Grammar[2] != "[unk]" {
		t.Fatalf("unexpected grammar: %v", cfg.STT.Grammar)
	}
	if cfg.WebSocket.Path != "/asr" {
		t.Fatalf("expected websocket path override, got %q", cfg.WebSocket.Path)
	}
	if cfg.STT.PartialEveryMS != 800 {
		t.Fatalf("expected unspecified fields to keep defaults")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_STT_ENGINE", "vosk")
	t.Setenv("LOQA_STT_SAMPLE_RATE", "44100")
	t.Setenv("LOQA_STT_GRAMMAR", "yes, no")
	t.Setenv("LOQA_STT_ENGINE_LOG_LEVEL", "1")
	t.Setenv("LOQA_STT_PUBLISH_INTERIM", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides")
	}
	if cfg.STT.Engine != "vosk" || cfg.STT.SampleRate != 44100 || cfg.STT.EngineLogLevel != 1 {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if len(cfg.STT.Grammar) != 2 || cfg.STT.Grammar[1] != "no" {
		t.Fatalf("expected grammar override, got %v", cfg.STT.Grammar)
	}
	if cfg.STT.PublishInterim {
		t.Fatalf("expected publish interim disabled")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "unknown engine", mutate: func(c *Config) { c.STT.Engine = "whisper" }, wantErr: "stt.engine"},
		{name: "exec without command", mutate: func(c *Config) { c.STT.Engine = "exec" }, wantErr: "stt.command"},
		{name: "zero sample rate", mutate: func(c *Config) { c.STT.SampleRate = 0 }, wantErr: "stt.sample_rate"},
		{name: "grammar with speaker", mutate: func(c *Config) {
			c.STT.Grammar = []string{"yes"}
			c.STT.SpeakerModelPath = "models/spk"
		}, wantErr: "mutually exclusive"},
		{name: "empty model", mutate: func(c *Config) { c.STT.ModelPath = "" }, wantErr: "stt.model_path"},
		{name: "max sessions", mutate: func(c *Config) { c.STT.MaxSessions = 0 }, wantErr: "stt.max_sessions"},
		{name: "websocket path", mutate: func(c *Config) { c.WebSocket.Path = "stream" }, wantErr: "websocket.path"},
		{name: "retention mode", mutate: func(c *Config) { c.EventStore.RetentionMode = "forever" }, wantErr: "retention_mode"},
		{name: "log level", mutate: func(c *Config) { c.Telemetry.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "heartbeat", mutate: func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval }, wantErr: "heartbeat_timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("DEBUG")
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("expected debug, got %v %v", lvl, err)
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
