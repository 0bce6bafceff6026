package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTestConfig(t, `
version: "1.0"
system:
  name: "Test NVR"
  timezone: "America/New_York"
  storage_path: "/data"
streams: []
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Version != "1.0" {
		t.Errorf("expected version '1.0', got %q", cfg.Version)
	}
	if cfg.System.Name != "Test NVR" {
		t.Errorf("expected name 'Test NVR', got %q", cfg.System.Name)
	}
	if cfg.System.Timezone != "America/New_York" {
		t.Errorf("expected timezone 'America/New_York', got %q", cfg.System.Timezone)
	}
}

func TestLoadNonExistent(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error when loading non-existent file")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
version: "1.0"
streams:
  - name: front-door
    url: rtsp://example/front
    enabled: true
    record: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.System.Timezone != "UTC" {
		t.Errorf("expected default timezone UTC, got %q", cfg.System.Timezone)
	}
	if cfg.Retention.TickInterval.Seconds() != 300 {
		t.Errorf("expected default tick interval 300s, got %v", cfg.Retention.TickInterval)
	}
	if cfg.Retention.BatchSize != 500 {
		t.Errorf("expected default batch size 500, got %d", cfg.Retention.BatchSize)
	}

	s := cfg.GetStream("front-door")
	if s == nil {
		t.Fatal("expected stream front-door to be present")
	}
	if s.Priority != 5 {
		t.Errorf("expected default priority 5, got %d", s.Priority)
	}
	if s.SegmentDurationSeconds != 60 {
		t.Errorf("expected default segment duration 60s, got %d", s.SegmentDurationSeconds)
	}
	if s.BufferSizeKB != 1024 {
		t.Errorf("expected default buffer size 1024KB, got %d", s.BufferSizeKB)
	}
}

func TestSaveEncryptsPasswordAtRest(t *testing.T) {
	t.Setenv("NVR_ENCRYPTION_KEY", "correct horse battery staple")
	path := writeTestConfig(t, `version: "1.0"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.SetPath(path)
	cfg.Streams = []StreamConfig{{Name: "front-door", URL: "rtsp://example/front", Password: "secret"}}

	if err := cfg.Save(); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	if strings.Contains(string(raw), "\"secret\"") || strings.Contains(string(raw), ": secret\n") {
		t.Error("expected plaintext password not to appear verbatim in saved config")
	}
	if !strings.Contains(string(raw), "encrypted:") {
		t.Error("expected password to be stored encrypted")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("failed to reload saved config: %v", err)
	}
	got := reloaded.GetStream("front-door")
	if got == nil || got.Password != "secret" {
		t.Errorf("expected round-tripped password 'secret', got %+v", got)
	}
}

func TestSaveWithoutEncryptionKeyRefusesToPersistPassword(t *testing.T) {
	path := writeTestConfig(t, `version: "1.0"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.SetPath(path)
	cfg.Streams = []StreamConfig{{Name: "front-door", URL: "rtsp://example/front", Password: "secret"}}

	if err := cfg.Save(); err == nil {
		t.Error("expected Save to fail when NVR_ENCRYPTION_KEY is unset and a stream has a password")
	}
}

func TestLoadFailsOnEncryptedPasswordWithoutKey(t *testing.T) {
	t.Setenv("NVR_ENCRYPTION_KEY", "correct horse battery staple")
	path := writeTestConfig(t, `version: "1.0"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.SetPath(path)
	cfg.Streams = []StreamConfig{{Name: "front-door", URL: "rtsp://example/front", Password: "secret"}}
	if err := cfg.Save(); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	t.Setenv("NVR_ENCRYPTION_KEY", "")
	if _, err := Load(path); err == nil {
		t.Error("expected Load to fail decrypting a stored password with no key configured")
	}
}

func TestUpsertAndRemoveStream(t *testing.T) {
	path := writeTestConfig(t, `version: "1.0"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.SetPath(path)

	if err := cfg.UpsertStream(StreamConfig{Name: "back-yard", URL: "rtsp://example/back"}); err != nil {
		t.Fatalf("failed to upsert stream: %v", err)
	}
	if cfg.GetStream("back-yard") == nil {
		t.Fatal("expected back-yard to be present after upsert")
	}

	if err := cfg.RemoveStream("back-yard"); err != nil {
		t.Fatalf("failed to remove stream: %v", err)
	}
	if cfg.GetStream("back-yard") != nil {
		t.Error("expected back-yard to be gone after remove")
	}

	if err := cfg.RemoveStream("does-not-exist"); err == nil {
		t.Error("expected error removing unknown stream")
	}
}

func TestOnChangeFiresOnReload(t *testing.T) {
	path := writeTestConfig(t, `
version: "1.0"
system:
  name: original
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	fired := make(chan string, 1)
	cfg.OnChange(func(c *Config) {
		fired <- c.System.Name
	})

	if err := os.WriteFile(path, []byte(`
version: "1.0"
system:
  name: updated
`), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	cfg.reload()

	select {
	case name := <-fired:
		if name != "updated" {
			t.Errorf("expected reloaded name 'updated', got %q", name)
		}
	default:
		t.Fatal("expected OnChange callback to fire")
	}
}
