// Package config holds the JSON configuration for both the peer and the
// signal server. Missing fields fall back to defaults, so hand-edited files
// stay forward compatible.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/util"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

type Config struct {
	Identity Identity `json:"identity"`
	Signal   Signal   `json:"signal"`
	Media    Media    `json:"media"`
	Call     Call     `json:"call"`
	Log      Log      `json:"log"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarFile  string `json:"avatar_file"`
}

type Signal struct {
	// URL of the rendezvous server the peer connects to (ws:// or wss://).
	URL string `json:"url"`

	// Shared secret for the server handshake. Empty disables auth.
	Secret string `json:"secret"`

	// If true, `serve` hosts the rendezvous server on Bind:Port.
	Host bool `json:"host"`
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// SQLite file for persisting the rendezvous tree across restarts.
	// Relative to the peer directory. Empty means in-memory only.
	DBPath string `json:"db_path"`

	// Call records older than this are swept at server startup.
	StaleCallWindowSec int `json:"stale_call_window_sec"`
}

type Media struct {
	ICEServers []string `json:"ice_servers"`
	MaxWidth   int      `json:"max_width"`
	MaxHeight  int      `json:"max_height"`
	FrameRate  float32  `json:"frame_rate"`
}

type Call struct {
	// FreshWindowSec bounds how old an incoming record may be to ring.
	FreshWindowSec int `json:"fresh_window_sec"`

	// AcceptWindowSec is how long an incoming call rings before auto-reject.
	AcceptWindowSec int `json:"accept_window_sec"`

	// Terminal-field write retry schedule.
	RetryAttempts  int `json:"retry_attempts"`
	RetryBackoffMs int `json:"retry_backoff_ms"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID:      uuid.NewString(),
			DisplayName: "anonymous",
		},
		Signal: Signal{
			URL:                "ws://127.0.0.1:8787/ws",
			Host:               false,
			Bind:               "127.0.0.1",
			Port:               8787,
			DBPath:             "data/signal.db",
			StaleCallWindowSec: 3600,
		},
		Media: Media{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
			MaxWidth:   640,
			MaxHeight:  480,
			FrameRate:  30,
		},
		Call: Call{
			FreshWindowSec:  60,
			AcceptWindowSec: 30,
			RetryAttempts:   3,
			RetryBackoffMs:  250,
		},
		Log: Log{Level: "info"},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}

	// Signal
	if strings.TrimSpace(c.Signal.URL) == "" && !c.Signal.Host {
		return errors.New("signal.url is required when signal.host is false")
	}
	if u := strings.TrimSpace(c.Signal.URL); u != "" {
		if err := validateSignalURL(u); err != nil {
			return fmt.Errorf("signal.url: %w", err)
		}
	}
	if c.Signal.Host {
		if c.Signal.Port <= 0 || c.Signal.Port > 65535 {
			return errors.New("signal.port must be 1..65535 when signal.host is enabled")
		}
		if b := c.Signal.Bind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("signal.bind must be a valid IP address")
			}
		}
	}
	if c.Signal.StaleCallWindowSec < 0 {
		return errors.New("signal.stale_call_window_sec must be >= 0")
	}

	// Media
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.FrameRate <= 0 {
		return errors.New("media.frame_rate must be > 0")
	}

	// Call
	if c.Call.FreshWindowSec <= 0 {
		return errors.New("call.fresh_window_sec must be > 0")
	}
	if c.Call.AcceptWindowSec <= 0 {
		return errors.New("call.accept_window_sec must be > 0")
	}
	if c.Call.RetryAttempts < 1 || c.Call.RetryAttempts > 10 {
		return errors.New("call.retry_attempts must be 1..10")
	}
	if c.Call.RetryBackoffMs < 0 {
		return errors.New("call.retry_backoff_ms must be >= 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func validateSignalURL(raw string) error {
	u, err := url.Parse(util.NormalizeURL(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// FreshWindow returns the watcher freshness window as a duration.
func (c *Config) FreshWindow() time.Duration {
	return time.Duration(c.Call.FreshWindowSec) * time.Second
}

// AcceptWindow returns the ringing window as a duration.
func (c *Config) AcceptWindow() time.Duration {
	return time.Duration(c.Call.AcceptWindowSec) * time.Second
}

// RetryPolicy returns the terminal-field write retry schedule.
func (c *Config) RetryPolicy() util.RetryPolicy {
	return util.RetryPolicy{
		Attempts: c.Call.RetryAttempts,
		Backoff:  time.Duration(c.Call.RetryBackoffMs) * time.Millisecond,
	}
}

// StaleCallWindow returns the server-side sweep threshold.
func (c *Config) StaleCallWindow() time.Duration {
	return time.Duration(c.Signal.StaleCallWindowSec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// ApplyLogLevel sets the process-wide log level from cfg.
func ApplyLogLevel(cfg Config) {
	level, err := logging.LevelFromString(cfg.Log.Level)
	if err != nil {
		return
	}
	logging.SetAllLoggers(level)
}
