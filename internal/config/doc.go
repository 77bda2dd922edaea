// Package config provides configuration loading and validation for the vox relay service.
// It reads a YAML file on top of built-in defaults, validates every section and
// converts the result into the vox and upload configurations.
package config
