// Package config loads llamactxd settings from YAML, JSON or TOML files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Engine kinds accepted in Config.Engine.
const (
	EngineServer     = "server"
	EngineSubprocess = "subprocess"
	EngineInProcess  = "inprocess"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	WatchDir  bool   `json:"watch_models_dir" yaml:"watch_models_dir" toml:"watch_models_dir"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`

	// Engine selects server, subprocess or inprocess.
	Engine           string `json:"engine" yaml:"engine" toml:"engine"`
	ServerURL        string `json:"server_url" yaml:"server_url" toml:"server_url"`
	ServerAPIKey     string `json:"server_api_key" yaml:"server_api_key" toml:"server_api_key"`
	ConnectTimeoutMS int    `json:"connect_timeout_ms" yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`

	LlamaBin       string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost      string   `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	PortStart      int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd        int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	LlamaArgs      []string `json:"llama_args" yaml:"llama_args" toml:"llama_args"`
	ReadyTimeoutMS int      `json:"ready_timeout_ms" yaml:"ready_timeout_ms" toml:"ready_timeout_ms"`

	CtxSize      int    `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	GPULayers    int    `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Threads      int    `json:"threads" yaml:"threads" toml:"threads"`
	SlotSavePath string `json:"slot_save_path" yaml:"slot_save_path" toml:"slot_save_path"`

	ContextLimit     int  `json:"context_limit" yaml:"context_limit" toml:"context_limit"`
	DeterministicIDs bool `json:"deterministic_ids" yaml:"deterministic_ids" toml:"deterministic_ids"`
	MaxQueueDepth    int  `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS        int  `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`

	SessionDB string `json:"session_db" yaml:"session_db" toml:"session_db"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults returns a copy of c with unspecified fields filled in.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "~/models/llm"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Engine == "" {
		c.Engine = EngineSubprocess
	}
	if c.ServerURL == "" {
		c.ServerURL = "http://127.0.0.1:8081"
	}
	if c.LlamaHost == "" {
		c.LlamaHost = "127.0.0.1"
	}
	if c.ConnectTimeoutMS <= 0 {
		c.ConnectTimeoutMS = 5000
	}
	if c.ReadyTimeoutMS <= 0 {
		c.ReadyTimeoutMS = 120000
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineServer, EngineSubprocess, EngineInProcess:
	default:
		return fmt.Errorf("unknown engine %q (want server, subprocess or inprocess)", c.Engine)
	}
	if c.PortStart < 0 || c.PortEnd < 0 || (c.PortEnd > 0 && c.PortEnd < c.PortStart) {
		return fmt.Errorf("invalid port range %d-%d", c.PortStart, c.PortEnd)
	}
	if c.ContextLimit < 0 {
		return fmt.Errorf("context_limit must not be negative")
	}
	return nil
}

func (c Config) MaxWait() time.Duration { return time.Duration(c.MaxWaitMS) * time.Millisecond }

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMS) * time.Millisecond
}
