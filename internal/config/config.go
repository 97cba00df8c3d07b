package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level" config:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" config:"oneof=text json"`
	API       struct {
		BaseURL     string `json:"base_url"`
		TenantID    string `json:"tenant_id"`
		Token       string `json:"token" config:"secret"`
		WorkspaceID string `json:"workspace_id"`
		TimeoutMs   int    `json:"timeout_ms"`
	} `json:"api"`
	Engine struct {
		ProcessedCap int `json:"processed_cap"`
		TurnGraceMs  int `json:"turn_grace_ms"`
	} `json:"engine"`
	Reveal struct {
		PerTick         int `json:"per_tick"`
		SettleMs        int `json:"settle_ms"`
		HistoryCutoffMs int `json:"history_cutoff_ms"`
		IntervalMs      int `json:"interval_ms"`
	} `json:"reveal"`
	Transport struct {
		Kind        string `json:"kind" config:"oneof=sse nats"`
		NATSURL     string `json:"nats_url"`
		MaxAttempts int    `json:"max_attempts"`
	} `json:"transport"`
	HTTP struct {
		Listen string `json:"listen"`
	} `json:"http"`
	Snapshot struct {
		Schedule string `json:"schedule"`
	} `json:"snapshot"`
	Stats struct {
		Model string `json:"model"`
	} `json:"stats"`
}

// DefaultPath is ~/.agentstream/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".agentstream", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".agentstream"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.API.BaseURL = "http://localhost:8000/api"
	cfg.API.TimeoutMs = 30000
	cfg.Engine.ProcessedCap = 1000
	cfg.Engine.TurnGraceMs = 1500
	cfg.Reveal.PerTick = 3
	cfg.Reveal.SettleMs = 400
	cfg.Reveal.HistoryCutoffMs = 5000
	cfg.Reveal.IntervalMs = 16
	cfg.Transport.Kind = "sse"
	cfg.Transport.MaxAttempts = 5
	cfg.HTTP.Listen = "127.0.0.1:8787"
	cfg.Stats.Model = "gpt-4"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if base := os.Getenv("AGENTSTREAM_API_BASE"); base != "" {
		cfg.API.BaseURL = base
	}
	if tid := os.Getenv("AGENTSTREAM_TENANT_ID"); tid != "" {
		cfg.API.TenantID = tid
	}
	if token := os.Getenv("AGENTSTREAM_API_TOKEN"); token != "" {
		cfg.API.Token = token
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.Transport.NATSURL = natsURL
	}

	return cfg, nil
}

// Millis converts a *_ms setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as flat dot-separated keys, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

// GetValue returns the value stored in the file under a dot-separated key.
// A missing file is created with defaults first.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores raw under key in an existing config file, typed and
// checked by Coerce.
func SetValue(path, key, raw string) error {
	v, err := Coerce(key, raw)
	if err != nil {
		return err
	}
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)
	flat[key] = v
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}
