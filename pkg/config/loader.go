package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "TASKORCH_"
	maxConfigFileSize = 1024 * 1024
)

// Load reads configuration with the following precedence (highest first):
//  1. Environment variables (TASKORCH_RETRY_MAX_RETRIES -> retry.max_retries)
//  2. The YAML file at path, when path is non-empty and exists
//  3. Default()
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		content = data
	}
	return LoadBytes(content)
}

// LoadBytes is Load over an in-memory YAML document.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	envProvider := env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		return envKey(key), envValue(value)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// envKey maps TASKORCH_SECTION_FIELD_NAME to section.field_name. Only the first
// underscore after the prefix separates the section; top-level keys have no section.
func envKey(key string) string {
	lower := strings.ToLower(strings.TrimPrefix(key, envPrefix))
	switch lower {
	case "namespace", "project_root":
		return lower
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// envValue turns comma separated values into lists.
func envValue(value string) any {
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return value
}
