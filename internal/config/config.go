package config

import (
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	History     HistoryConfig     `yaml:"history"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MaintenanceConfig carries the background-loop timings. All four are
// configurable rather than hard-coded.
type MaintenanceConfig struct {
	ReapInterval      time.Duration `yaml:"reap_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnStaleAfter    time.Duration `yaml:"conn_stale_after"`
	SessionRetention  time.Duration `yaml:"session_retention"`
}

type HistoryConfig struct {
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Maintenance: MaintenanceConfig{
			ReapInterval:      60 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ConnStaleAfter:    120 * time.Second,
			SessionRetention:  60 * time.Second,
		},
		History: HistoryConfig{
			Retention: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults, so a partial file
// only overrides what it names.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Holder republishes the current config to readers across hot reloads.
type Holder struct {
	v atomic.Pointer[Config]
}

func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.v.Store(cfg)
	return h
}

func (h *Holder) Current() *Config {
	return h.v.Load()
}

func (h *Holder) Store(cfg *Config) {
	h.v.Store(cfg)
}
