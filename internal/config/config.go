// Package config loads the updates client configuration.
package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lxc/updates-client/api"
)

// ErrNoConfig is returned when the configuration file doesn't exist.
var ErrNoConfig = errors.New("no updates configuration found")

// Load reads and validates the YAML configuration at the given path.
func Load(path string) (*api.UpdatesConfig, error) {
	// #nosec G304
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}

		return nil, err
	}

	return Parse(body)
}

// Parse decodes and validates a YAML configuration.
func Parse(body []byte) (*api.UpdatesConfig, error) {
	cfg := &api.UpdatesConfig{}

	err := yaml.Unmarshal(body, cfg)
	if err != nil {
		return nil, errors.Join(api.ErrInvalidConfig, err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
