package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.System.Bridge.URL != "ws://127.0.0.1:8081/bridge" {
		t.Errorf("bridge url = %q", cfg.System.Bridge.URL)
	}
	if cfg.System.Bridge.MaxReconnect != 30*time.Second {
		t.Errorf("max reconnect = %v", cfg.System.Bridge.MaxReconnect)
	}
	if cfg.Audio.Backend != BackendNative || cfg.Audio.FramesPerBuffer != 1024 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Player.ProgressInterval != 250*time.Millisecond || cfg.Recorder.ProgressInterval != time.Second {
		t.Errorf("progress intervals = %v / %v", cfg.Player.ProgressInterval, cfg.Recorder.ProgressInterval)
	}
	if cfg.Logging.Level != "info" || len(cfg.Logging.Outputs) != 1 || cfg.Logging.Outputs[0] != "stdout" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
system:
  device_id: "aa:bb:cc"
  bridge:
    url: "ws://host:9000/bridge"
    access_token: "secret"
audio:
  backend: offline
  fetch_timeout: 5s
  stall_timeout: 300ms
player:
  progress_interval: 100ms
debug: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUDIOBRIDGE_SYSTEM_CLIENT_ID", "client-7")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.System.DeviceID != "aa:bb:cc" || cfg.System.ClientID != "client-7" {
		t.Errorf("system = %+v", cfg.System)
	}
	if cfg.System.Bridge.URL != "ws://host:9000/bridge" || cfg.System.Bridge.AccessToken != "secret" {
		t.Errorf("bridge = %+v", cfg.System.Bridge)
	}
	if cfg.Audio.Backend != BackendOffline || cfg.Audio.FetchTimeout != 5*time.Second || cfg.Audio.StallTimeout != 300*time.Millisecond {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Player.ProgressInterval != 100*time.Millisecond {
		t.Errorf("player interval = %v", cfg.Player.ProgressInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("debug flag not applied: level = %q", cfg.Logging.Level)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestConfigValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
audio:
  backend: alsa
  frames_per_buffer: 0
logging:
  level: chatty
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"audio.backend", "frames_per_buffer", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
