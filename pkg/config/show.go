package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	out := *c

	out.Platforms.A.DSN = redact(out.Platforms.A.DSN)
	out.Platforms.B.DSN = redact(out.Platforms.B.DSN)
	out.Database.Postgres.Password = redact(out.Database.Postgres.Password)
	out.Upload.S3.SecretAccessKey = redact(out.Upload.S3.SecretAccessKey)

	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}

	return data, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}
