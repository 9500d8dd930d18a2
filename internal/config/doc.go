// Package config loads, normalizes, and validates lode configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob
// the pipeline and query CLIs need: control/data/registry roots, source
// descriptor locations, extraction tool binaries, OCR settings, and query
// limits are all discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized absolute paths, canonical mode strings, and clear validation
// errors.
package config
