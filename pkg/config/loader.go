package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultMaxSteps applies when neither the agent nor the defaults set a cap.
const DefaultMaxSteps = 10

// DefaultServerPort is the HTTP listen port when server config is absent.
const DefaultServerPort = 8080

// Initialize loads, validates and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand ${VAR} environment references
//  3. Parse YAML into structs
//  4. Apply defaults
//  5. Validate all configuration, including condition and template syntax
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"agents", stats.Agents,
		"workflows", stats.Workflows)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	main, err := loader.loadRunwireYAML()
	if err != nil {
		return nil, &LoadError{File: "runwire.yaml", Err: err}
	}

	providers, err := loader.loadProvidersYAML()
	if err != nil {
		return nil, &LoadError{File: "llm-providers.yaml", Err: err}
	}

	defaults := Defaults{}
	if main.Defaults != nil {
		defaults = *main.Defaults
	}
	if defaults.MaxSteps <= 0 {
		defaults.MaxSteps = DefaultMaxSteps
	}

	server := ServerConfig{Port: DefaultServerPort}
	if main.Server != nil {
		server = *main.Server
		if server.Port <= 0 {
			server.Port = DefaultServerPort
		}
	}

	trace := TraceConfig{}
	if main.Trace != nil {
		trace = *main.Trace
	}

	return &Config{
		Defaults:  defaults,
		Providers: providers,
		Agents:    main.Agents,
		Workflows: main.Workflows,
		Server:    server,
		Trace:     trace,
	}, nil
}

func validate(cfg *Config) error {
	return newValidator(cfg).validateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

func (l *configLoader) loadRunwireYAML() (*RunwireYAML, error) {
	var config RunwireYAML
	config.Agents = make(map[string]AgentConfig)
	config.Workflows = make(map[string]WorkflowConfig)

	if err := l.loadYAML("runwire.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (l *configLoader) loadProvidersYAML() (map[string]ProviderConfig, error) {
	var config ProvidersYAML
	config.LLMProviders = make(map[string]ProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}
	return config.LLMProviders, nil
}
