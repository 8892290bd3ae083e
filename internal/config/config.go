package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	API            APIConfig      `toml:"api"`
	Realtime       RealtimeConfig `toml:"realtime"`
	Cache          CacheConfig    `toml:"cache"`
	Prefetch       PrefetchConfig `toml:"prefetch"`
	Sync           SyncConfig     `toml:"sync"`
}

// APIConfig points at the REST backend.
type APIConfig struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

// RealtimeConfig configures the pub/sub websocket connection.
type RealtimeConfig struct {
	URL           string   `toml:"url"`
	ReconnectBase Duration `toml:"reconnect_base"`
	ReconnectMax  Duration `toml:"reconnect_max"`
	// MaxAttempts of zero retries forever.
	MaxAttempts int `toml:"max_attempts"`
}

// CacheConfig bounds the local store.
type CacheConfig struct {
	MaxConversations           int `toml:"max_conversations"`
	MaxMessagesPerConversation int `toml:"max_messages_per_conversation"`
	PageSize                   int `toml:"page_size"`
}

// PrefetchConfig tunes speculative loading.
type PrefetchConfig struct {
	TopConversations int      `toml:"top_conversations"`
	MaxConcurrent    int      `toml:"max_concurrent"`
	HoverDelay       Duration `toml:"hover_delay"`
	ScrollWindow     int      `toml:"scroll_window"`
}

// SyncConfig tunes the sync controller.
type SyncConfig struct {
	UserID      string   `toml:"user_id"`
	DedupWindow Duration `toml:"dedup_window"`
	TypingTTL   Duration `toml:"typing_ttl"`
}

// Duration is a time.Duration written as a string such as "150ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a config with every value populated.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		API: APIConfig{
			BaseURL: "http://localhost:3000/api",
			Timeout: Duration{15 * time.Second},
		},
		Realtime: RealtimeConfig{
			URL:           "ws://localhost:3000/realtime",
			ReconnectBase: Duration{time.Second},
			ReconnectMax:  Duration{30 * time.Second},
		},
		Cache: CacheConfig{
			MaxConversations:           200,
			MaxMessagesPerConversation: 500,
			PageSize:                   50,
		},
		Prefetch: PrefetchConfig{
			TopConversations: 5,
			MaxConcurrent:    2,
			HoverDelay:       Duration{150 * time.Millisecond},
			ScrollWindow:     5,
		},
		Sync: SyncConfig{
			DedupWindow: Duration{3 * time.Second},
			TypingTTL:   Duration{5 * time.Second},
		},
	}
}

// Load reads config from the given path over the defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
