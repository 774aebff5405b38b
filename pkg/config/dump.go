package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// Redacted returns a copy of c with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Projects = append([]ProjectConfig(nil), c.Projects...)

	for _, secret := range []*string{&out.GitHub.Token, &out.Jira.Token, &out.Telemetry.OTLPHeaders} {
		if *secret != "" {
			*secret = redacted
		}
	}

	return &out
}

// WriteYAML writes c in the configuration file format, so the output can be
// loaded back with LoadConfig.
func WriteYAML(w io.Writer, c *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}
