// Package config loads SDK configuration.
//
// Values are layered: built-in defaults, then a .env file, then a YAML
// file, then ASYMETRY_* environment variables. Variables already present in
// the process environment always win over the .env file.
package config
