// Package config provides YAML-based configuration loading with environment
// variable expansion, plus atomic saving for files the application writes.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Validator is an interface for configuration validation.
type Validator interface {
	Validate() error
}

// Load loads configuration from a YAML file with environment variable expansion.
func Load[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	return decode(filename, []byte(os.ExpandEnv(string(data))), target)
}

// Read loads a YAML file verbatim, without environment expansion. It is
// meant for files written back by Save, where a literal "$" must survive.
func Read[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	return decode(filename, data, target)
}

func decode[T any](filename string, data []byte, target *T) error {
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if validator, ok := any(target).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	return nil
}

// Save validates v and writes it as YAML: tmp file → fsync → rename.
func Save[T any](filename string, v *T) error {
	if validator, ok := any(v).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode config %s: %w", filename, err)
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write config %s: %w", filename, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync config %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config %s: %w", filename, err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return fmt.Errorf("failed to replace config %s: %w", filename, err)
	}
	success = true
	return nil
}
