package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Identity.UserID == "" {
		t.Fatal("default identity has no user id")
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing user id", func(c *Config) { c.Identity.UserID = " " }, "identity.user_id"},
		{"missing display name", func(c *Config) { c.Identity.DisplayName = "" }, "identity.display_name"},
		{"bad signal url scheme", func(c *Config) { c.Signal.URL = "ftp://x" }, "signal.url"},
		{"bad host port", func(c *Config) { c.Signal.Host = true; c.Signal.Port = 0 }, "signal.port"},
		{"bad bind", func(c *Config) { c.Signal.Host = true; c.Signal.Bind = "nope" }, "signal.bind"},
		{"zero accept window", func(c *Config) { c.Call.AcceptWindowSec = 0 }, "call.accept_window_sec"},
		{"excessive retries", func(c *Config) { c.Call.RetryAttempts = 50 }, "call.retry_attempts"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second ensure recreated the file")
	}
	if again.Identity.UserID != cfg.Identity.UserID {
		t.Fatal("identity changed between loads")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	partial := `{"identity":{"user_id":"u1","display_name":"Uno"},"signal":{"url":"wss://rv.example.org/ws"}}`
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.UserID != "u1" || cfg.Signal.URL != "wss://rv.example.org/ws" {
		t.Fatalf("explicit fields lost: %+v", cfg)
	}
	if cfg.Call.AcceptWindowSec != 30 || cfg.Media.MaxWidth != 640 {
		t.Fatalf("defaults not merged: %+v", cfg)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"u1","display_name":"Uno"}}`)...)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, _, err := Ensure(path); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got *Config
	stop, err := Watch(path, func(c Config) {
		mu.Lock()
		got = &c
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	cfg := Default()
	cfg.Identity.DisplayName = "Renamed"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := got != nil && got.Identity.DisplayName == "Renamed"
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("reload never observed")
}
