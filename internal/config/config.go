package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Delivery holds the reliability tuning knobs. These are product
// decisions, kept in configuration so they can change without touching
// the state machine.
type Delivery struct {
	SendTimeout      Duration `toml:"send_timeout"`
	MaxRetryAttempts int      `toml:"max_retry_attempts"`
	RetryBaseDelay   Duration `toml:"retry_base_delay"`
	RetryMaxDelay    Duration `toml:"retry_max_delay"`
	TypingExpiry     Duration `toml:"typing_expiry"`
}

// Server configures the courierd daemon.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
	DBPath     string `toml:"db_path"`
	LogPath    string `toml:"log_path"`
}

// Client configures a courierc session.
type Client struct {
	ServerURL string `toml:"server_url"`
	UserID    string `toml:"user_id"`
	Session   string `toml:"session"`
}

// Config is the on-disk config.toml shared by both binaries.
type Config struct {
	Server   Server   `toml:"server"`
	Client   Client   `toml:"client"`
	Delivery Delivery `toml:"delivery"`
}

// Default returns a config with the shipped delivery defaults.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenAddr: "127.0.0.1:8370",
		},
		Client: Client{
			ServerURL: "ws://127.0.0.1:8370/ws",
			Session:   "default",
		},
		Delivery: Delivery{
			SendTimeout:      Duration{5 * time.Second},
			MaxRetryAttempts: 3,
			RetryBaseDelay:   Duration{time.Second},
			RetryMaxDelay:    Duration{8 * time.Second},
			TypingExpiry:     Duration{3 * time.Second},
		},
	}
}

// Load reads config from path, layering the file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
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

// Duration wraps time.Duration for "5s"-style toml values.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
