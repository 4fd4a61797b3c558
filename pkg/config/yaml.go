package config

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

func unmarshalYAML(data []byte, s *Settings) error {
	if err := yaml.Unmarshal(data, s); err != nil {
		return errors.Wrap(err, "config: parse yaml")
	}
	return nil
}

// UnmarshalYAML accepts read_grace as a Go duration string ("750ms", "2s").
func (e *EngineSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ReadGrace string `yaml:"read_grace"`
	}
	if err := value.Decode(&raw); err != nil {
		return errors.Wrap(err, "config: parse engine section")
	}
	if raw.ReadGrace != "" {
		d, err := time.ParseDuration(raw.ReadGrace)
		if err != nil {
			return errors.Wrap(err, "config: parse engine.read_grace")
		}
		e.ReadGrace = d
	}
	return nil
}
