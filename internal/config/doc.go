// Package config provides configuration loading and validation for the voice session service.
// It reads a YAML file, layers .env and VOICE_* environment overrides on top, and
// validates every section before the service wires its components.
package config
