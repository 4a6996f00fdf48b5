// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
)

// Loader produces validated configurations from the layered sources.
type Loader struct {
	// Path of the optional YAML file; empty means ENV-only.
	Path string
}

// Load builds a configuration: defaults, then the YAML file, then
// environment variables, then validation.
func (l Loader) Load() (Config, error) {
	cfg := Default()

	if l.Path != "" {
		var err error
		cfg, err = applyFile(cfg, l.Path)
		if err != nil {
			return Config{}, err
		}
	}

	cfg = applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
