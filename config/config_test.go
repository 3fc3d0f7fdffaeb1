package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarmbus.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Bus.MailboxCapacity != 1000 {
		t.Errorf("mailbox capacity = %d, want 1000", cfg.Bus.MailboxCapacity)
	}
	if cfg.Lifecycle.OrchestratorID != "orchestrator" {
		t.Errorf("orchestrator id = %q", cfg.Lifecycle.OrchestratorID)
	}
}

func TestStandardPaths(t *testing.T) {
	paths := StandardPaths()
	if len(paths) == 0 || paths[0] != "swarmbus.toml" {
		t.Fatalf("first path should be swarmbus.toml, got %v", paths)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[bus]
mailbox_capacity = 50

[lifecycle]
orchestrator_id = "boss"
sweep_interval = "250ms"
heartbeat_interval = "2s"
missed_heartbeat_threshold = 4
max_restart_attempts = 2
restart_backoff_base = "500ms"
restart_backoff_max = "8s"

[log]
level = "debug"
format = "json"

[telemetry]
enabled = true
endpoint = "localhost:4318"
protocol = "HTTP"

[telemetry.headers]
authorization = "token"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bc := cfg.BusConfig()
	if bc.DefaultMailboxCapacity != 50 {
		t.Errorf("bus capacity = %d, want 50", bc.DefaultMailboxCapacity)
	}

	lc := cfg.LifecycleConfig()
	if lc.ID != "boss" {
		t.Errorf("id = %q, want boss", lc.ID)
	}
	if lc.BroadcastTopic != "system.lifecycle" {
		t.Errorf("unset key should keep default, got topic %q", lc.BroadcastTopic)
	}
	if lc.SweepInterval != 250*time.Millisecond {
		t.Errorf("sweep interval = %v", lc.SweepInterval)
	}
	if lc.DefaultHeartbeatInterval != 2*time.Second || lc.DefaultMissedThreshold != 4 {
		t.Errorf("heartbeat = %v x %d", lc.DefaultHeartbeatInterval, lc.DefaultMissedThreshold)
	}
	if lc.MaxRestartAttempts != 2 || lc.RestartBackoffBase != 500*time.Millisecond || lc.RestartBackoffMax != 8*time.Second {
		t.Errorf("restart policy = %d %v %v", lc.MaxRestartAttempts, lc.RestartBackoffBase, lc.RestartBackoffMax)
	}
	if lc.MailboxCapacity != 50 {
		t.Errorf("lifecycle mailbox capacity = %d, want 50", lc.MailboxCapacity)
	}

	lo := cfg.LoggingOptions()
	if lo.Level != "debug" || lo.Format != logging.FormatJSON {
		t.Errorf("logging = %+v", lo)
	}

	pc := cfg.ProviderConfig()
	if pc.Protocol != "http" || pc.Endpoint != "localhost:4318" || pc.ServiceName != "swarmbus" {
		t.Errorf("provider = %+v", pc)
	}
	if pc.Headers["authorization"] != "token" {
		t.Errorf("headers = %v", pc.Headers)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    errors.ErrorCode
	}{
		{"bad toml", "[bus\nmailbox_capacity = 1", errors.ErrCodeInvalidInput},
		{"bad duration", "[lifecycle]\nsweep_interval = \"soon\"", errors.ErrCodeInvalidInput},
		{"unknown key", "[bus]\nmailbox_capacty = 10", errors.ErrCodeInvalidInput},
		{"zero capacity", "[bus]\nmailbox_capacity = 0", errors.ErrCodeInvalidInput},
		{"backoff inverted", "[lifecycle]\nrestart_backoff_base = \"1m\"\nrestart_backoff_max = \"1s\"", errors.ErrCodeInvalidInput},
		{"negative restarts", "[lifecycle]\nmax_restart_attempts = -1", errors.ErrCodeInvalidInput},
		{"bad level", "[log]\nlevel = \"loud\"", errors.ErrCodeInvalidInput},
		{"bad format", "[log]\nformat = \"xml\"", errors.ErrCodeInvalidInput},
		{"bad protocol", "[telemetry]\nenabled = true\nprotocol = \"udp\"", errors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.code) {
				t.Errorf("code = %s, want %s (%v)", errors.Code(err), tt.code, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestLoadDefault_EnvOverride(t *testing.T) {
	path := writeConfig(t, "[lifecycle]\nbroadcast_topic = \"ops\"\n")
	t.Setenv(EnvPath, path)

	cfg, got, err := LoadDefault()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
	if cfg.Lifecycle.BroadcastTopic != "ops" {
		t.Errorf("topic = %q, want ops", cfg.Lifecycle.BroadcastTopic)
	}
}

func TestLoadDefault_EnvMissingFile(t *testing.T) {
	t.Setenv(EnvPath, filepath.Join(t.TempDir(), "missing.toml"))
	if _, _, err := LoadDefault(); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadDefault_NoFile(t *testing.T) {
	t.Setenv(EnvPath, "")
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := LoadDefault()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
	if cfg.Bus.MailboxCapacity != Default().Bus.MailboxCapacity {
		t.Errorf("expected defaults, got %+v", cfg.Bus)
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("duration = %v", d.Std())
	}
	text, _ := d.MarshalText()
	if string(text) != "1m30s" {
		t.Errorf("marshal = %q", text)
	}
	if err := d.UnmarshalText([]byte("fast")); err == nil {
		t.Error("expected error")
	}
}
