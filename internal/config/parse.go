package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads path, decodes it strictly and applies env overrides.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseBytes(path, b)
}

// ParseBytes decodes data as JSON, or as YAML when path ends in .yaml/.yml.
// Unknown fields and trailing data are rejected. Variables named in `env`
// tags override file values.
func ParseBytes(path string, data []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	return &cfg, nil
}

type digest [sha256.Size]byte

// fingerprint identifies a decoded config; two files that decode the same
// share it.
func fingerprint(cfg *Config) digest {
	if cfg == nil {
		return digest{}
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return digest{}
	}
	return sha256.Sum256(b)
}
