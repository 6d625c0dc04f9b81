package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds the process-level settings consumed by the CLI and the
// session layer. Values come from defaults overridden by OSIRIS_* environment
// variables. Pipeline parameters (OSIRIS_PARAM_*) are not part of this
// config; the compiler reads those itself.
type Config struct {
	LogLevel        string `koanf:"log_level"        validate:"omitempty,oneof=debug info warn error"`
	LogFile         string `koanf:"log_file"`
	SessionsDir     string `koanf:"sessions_dir"     validate:"required"`
	ComponentsDir   string `koanf:"components_dir"   validate:"required"`
	ConnectionsFile string `koanf:"connections_file" validate:"required"`
}

func Default() *Config {
	return &Config{
		LogLevel:        "info",
		SessionsDir:     "logs",
		ComponentsDir:   "components",
		ConnectionsFile: "osiris_connections.yaml",
	}
}

const envPrefix = "OSIRIS_"

// Load composes defaults with OSIRIS_* environment overrides and validates
// the result.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			// OSIRIS_PARAM_* belongs to the parameter resolver, not here.
			if strings.HasPrefix(key, "PARAM_") {
				return "", nil
			}
			return strings.ToLower(key), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load config environment: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
