package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models the user-level ~/.shipline.yaml: cloud credentials plus
// execution behavior. Workspace data never lives here.
type Config struct {
	URL           string    `yaml:"url"`
	Username      string    `yaml:"username,omitempty"`
	Password      string    `yaml:"password,omitempty"`
	APIKeyID      string    `yaml:"api_key_id,omitempty"`
	APIKeySecret  string    `yaml:"api_key_secret,omitempty"`
	ExecutionMode string    `yaml:"execution_mode"`
	JWTSecret     string    `yaml:"jwt_secret,omitempty"`
	Webhooks      []Webhook `yaml:"webhooks,omitempty"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret,omitempty"`
	Events []string `yaml:"events,omitempty"`
}

// Path returns the user config file location.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".shipline.yaml"), nil
}

// Default returns the config used when no file exists.
func Default() *Config {
	return &Config{
		URL:           "https://api.shipline.dev",
		ExecutionMode: "hybrid",
	}
}

// Load reads config from path, or from Path() when path is empty. A missing
// file yields the defaults rather than an error.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := Path()
		if err != nil {
			return nil, err
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.URL == "" {
		cfg.URL = Default().URL
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = Default().ExecutionMode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, or to Path() when path is empty. The file holds
// credentials, so it is written 0600.
func (c *Config) Save(path string) error {
	if path == "" {
		p, err := Path()
		if err != nil {
			return err
		}
		path = p
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case "local", "cloud", "hybrid":
	default:
		return fmt.Errorf("execution_mode must be local, cloud or hybrid, got %q", c.ExecutionMode)
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// HasCredentials reports whether any cloud credential pair is configured.
func (c *Config) HasCredentials() bool {
	if c.APIKeyID != "" && c.APIKeySecret != "" {
		return true
	}
	return c.Username != "" && c.Password != ""
}
