// Package config loads av settings from defaults, an optional YAML file,
// .env files and AV_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the project-level config file looked up when no path is given.
const FileName = ".av.yaml"

// Environment variables read by ApplyEnv.
const (
	EnvProvider = "AV_PROVIDER"
	EnvModel    = "AV_MODEL"
	EnvMaxTurns = "AV_MAX_TURNS"
	EnvIndexURL = "AV_INDEX_URL"
)

// credentialEnv maps each provider to the variable holding its API key.
var credentialEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Config is the complete av configuration.
type Config struct {
	Provider     string  `yaml:"provider" validate:"oneof=openai anthropic"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTurns     int     `yaml:"max_turns" validate:"gte=0"`
	VenvDir      string  `yaml:"venv_dir" validate:"required"`
	NoVerify     bool    `yaml:"no_verify"`
	UV           string  `yaml:"uv"`
	Instructions string  `yaml:"instructions,omitempty"`

	Commands CommandConfig  `yaml:"commands"`
	Registry RegistryConfig `yaml:"registry"`
	Backend  BackendConfig  `yaml:"backend"`
	Loop     LoopConfig     `yaml:"loop"`
}

// CommandConfig controls the shell capability.
type CommandConfig struct {
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	OutputLimit int           `yaml:"output_limit" validate:"gt=0"`
	Shell       string        `yaml:"shell"`
}

// RegistryConfig controls the package index client.
type RegistryConfig struct {
	URL       string        `yaml:"url" validate:"required,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	CacheSize int           `yaml:"cache_size" validate:"gte=0"`
}

// BackendConfig controls calls to the reasoning backend.
type BackendConfig struct {
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxTokens  int           `yaml:"max_tokens" validate:"gte=0"`
}

// LoopConfig holds inference loop thresholds.
type LoopConfig struct {
	MaxMalformedResponses  int `yaml:"max_malformed_responses" validate:"gte=0"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" validate:"gte=0"`
	LoopWindow             int `yaml:"loop_window" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		MaxTurns: 10,
		VenvDir:  ".venv",
		UV:       "uv",
		Commands: CommandConfig{
			Timeout:     30 * time.Second,
			OutputLimit: 10000,
		},
		Registry: RegistryConfig{
			URL:       "https://pypi.org",
			Timeout:   10 * time.Second,
			CacheSize: 256,
		},
		Backend: BackendConfig{
			Timeout:    120 * time.Second,
			MaxRetries: 2,
			BaseDelay:  time.Second,
			MaxDelay:   60 * time.Second,
			MaxTokens:  4096,
		},
		Loop: LoopConfig{
			MaxMalformedResponses: 3,
			LoopWindow:            6,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	// Keys present in the file replace the current values, zeros included.
	loaded := *c
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	*c = loaded
	return nil
}

// LoadEnvFiles loads .env from dir and then from the working directory.
// Variables already set in the process environment are never overwritten.
func LoadEnvFiles(dir string) error {
	seen := map[string]bool{}
	for _, candidate := range []string{filepath.Join(dir, ".env"), ".env"} {
		abs, err := filepath.Abs(candidate)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from AV_* variables.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvProvider)); v != "" {
		c.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvModel)); v != "" {
		c.Model = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxTurns)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxTurns, err)
		}
		c.MaxTurns = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvIndexURL)); v != "" {
		c.Registry.URL = v
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CredentialEnv names the variable holding the API key for the provider.
func (c *Config) CredentialEnv() string {
	return credentialEnv[c.Provider]
}

// Credential returns the provider API key, or "" when none is set. Its
// presence selects the agent strategy.
func (c *Config) Credential() string {
	name := c.CredentialEnv()
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

// Options tells Resolve where to look.
type Options struct {
	// ProjectDir is searched for FileName and .env.
	ProjectDir string
	// File is an explicit config path; it must exist when set.
	File string
}

// Resolve builds the configuration from, lowest precedence first: defaults,
// the config file, .env files and AV_* variables. Command-line flags are
// applied by the caller afterwards.
func Resolve(opts Options) (*Config, error) {
	cfg := Default()

	switch {
	case opts.File != "":
		if err := cfg.mergeFile(opts.File); err != nil {
			return nil, err
		}
	case opts.ProjectDir != "":
		path := filepath.Join(opts.ProjectDir, FileName)
		if _, err := os.Stat(path); err == nil {
			if err := cfg.mergeFile(path); err != nil {
				return nil, err
			}
		}
	}

	if err := LoadEnvFiles(opts.ProjectDir); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
