package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the on-disk store a coreflux CLI invocation targets.
// It intentionally carries no model definitions: those are Go values
// compiled into the embedding application, not something a generic CLI
// can express in a config file.
type Config struct {
	Store string `yaml:"store"`
	Name  string `yaml:"name"`
}

// LoadConfig reads and validates a YAML config file at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &CLIError{Code: ErrCodeConfig, Err: fmt.Errorf("read config %s: %w", path, err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, &CLIError{Code: ErrCodeConfig, Err: fmt.Errorf("parse config %s: %w", path, err)}
	}
	if cfg.Store == "" {
		return Config{}, &CLIError{Code: ErrCodeConfig, Err: fmt.Errorf("config %s: store must be set", path)}
	}
	if cfg.Name == "" {
		cfg.Name = "coreflux"
	}
	return cfg, nil
}

// CLIError pairs an error code with the underlying cause. main prints
// the code as a "[Exxx]" prefix; the process exit status is 1 for every
// code.
type CLIError struct {
	Code string
	Err  error
}

func (e *CLIError) Error() string { return fmt.Sprintf("[%s] %v", e.Code, e.Err) }
func (e *CLIError) Unwrap() error { return e.Err }
