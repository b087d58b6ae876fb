// Package config provides centralized configuration management for the
// agent-builder runtime, loading a JSON file and layering environment
// variables on top for secrets such as the LLM API key. Relative paths are
// resolved against the configuration file's directory.
package config
