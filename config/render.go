package config

import (
	"encoding/json"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/blipee/pulse/errors"
)

// Render marshals cfg in the given format: toml, json or yaml
func Render(cfg *Config, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to JSON")
		}
		return append(data, '\n'), nil

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to YAML")
		}
		return append([]byte("# Pulse configuration\n"), data...), nil

	case "toml", "":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to TOML")
		}
		return append([]byte("# Pulse configuration\n"), data...), nil

	default:
		return nil, errors.NewValidationError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}
