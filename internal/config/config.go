package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models grantline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret         string `yaml:"jwt_secret"`
		OTPTimeoutSeconds int    `yaml:"otp_timeout_seconds"`
	} `yaml:"auth"`
	Tokens struct {
		TTLSeconds int  `yaml:"ttl_seconds"`
		SingleUse  bool `yaml:"single_use"`
	} `yaml:"tokens"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	ObjectStore struct {
		Root string `yaml:"root"`
	} `yaml:"object_store"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Tokens.TTLSeconds <= 0 {
		return fmt.Errorf("config.tokens.ttl_seconds must be positive")
	}
	if c.Auth.OTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config.auth.otp_timeout_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "grantline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Tokens.TTLSeconds = 300
	cfg.Tokens.SingleUse = true
	cfg.Auth.OTPTimeoutSeconds = 14400
	cfg.Redis.Addr = "localhost:6379"
	cfg.ObjectStore.Root = ".grantline/objects"
	return &cfg
}
