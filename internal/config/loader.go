package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to unset fields during [LoadFromReader].
const (
	DefaultListenAddr   = ":8080"
	DefaultLogLevel     = LogInfo
	DefaultWSPathPrefix = "/llm-websocket"
	DefaultRedisAddr    = "localhost:6379"
	DefaultSyncInterval = Duration(15 * time.Minute)
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Environment references like ${LLM_API_KEY} are expanded before
// parsing so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. Unknown YAML keys are rejected so typos surface at startup
// instead of silently configuring nothing.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields with their documented defaults. Fields
// whose defaults live in the package that consumes them (llm model, stream
// timeout, greeting prompt, queue name) are left untouched.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.WSPathPrefix == "" {
		cfg.Server.WSPathPrefix = DefaultWSPathPrefix
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.POS.Enabled() && cfg.POS.SyncInterval <= 0 {
		cfg.POS.SyncInterval = DefaultSyncInterval
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WSPathPrefix != "" && !strings.HasPrefix(cfg.Server.WSPathPrefix, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path_prefix %q must start with a slash", cfg.Server.WSPathPrefix))
	}

	// LLM
	if cfg.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_output_tokens %d must not be negative", cfg.LLM.MaxOutputTokens))
	}
	if cfg.LLM.StreamTimeout < 0 {
		errs = append(errs, fmt.Errorf("llm.stream_timeout %s must not be negative", cfg.LLM.StreamTimeout))
	}

	// Database
	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}

	// POS
	if cfg.POS.Enabled() {
		if cfg.POS.ClientID == "" {
			errs = append(errs, errors.New("pos.client_id is required when pos.base_url is set"))
		}
		if cfg.POS.ClientSecret == "" {
			slog.Warn("pos.client_secret is empty; the oauth code exchange will likely be rejected")
		}
		if cfg.POS.RedirectURL == "" {
			slog.Warn("pos.redirect_url is empty; tenants cannot start the oauth connect flow")
		}
	} else if cfg.POS.ClientID != "" || cfg.POS.ClientSecret != "" {
		slog.Warn("pos credentials are set but pos.base_url is empty; the POS integration stays disabled")
	}

	return errors.Join(errs...)
}
