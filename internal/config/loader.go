package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidOracleProviders lists the provider names the oracle layer can build.
var ValidOracleProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if cfg.Redis.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("redis.session_ttl %s must not be negative", cfg.Redis.SessionTTL))
	}

	if cfg.Oracle.Provider == "" {
		errs = append(errs, errors.New("oracle.provider is required"))
	} else if !slices.Contains(ValidOracleProviders, cfg.Oracle.Provider) {
		errs = append(errs, fmt.Errorf("oracle.provider %q is invalid; valid values: %v", cfg.Oracle.Provider, ValidOracleProviders))
	}
	if cfg.Oracle.Model == "" {
		errs = append(errs, errors.New("oracle.model is required"))
	}
	if cfg.Oracle.Timeout < 0 {
		errs = append(errs, fmt.Errorf("oracle.timeout %s must not be negative", cfg.Oracle.Timeout))
	}

	if cfg.Memory.TTL < 0 {
		errs = append(errs, fmt.Errorf("memory.ttl %s must not be negative", cfg.Memory.TTL))
	}
	if cfg.Game.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("game.history_window %d must not be negative", cfg.Game.HistoryWindow))
	}

	return errors.Join(errs...)
}
