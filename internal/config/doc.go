// Package config loads p2plend configuration from a YAML/JSON file, a .env
// file and P2PLEND_ prefixed environment variables, applies defaults and
// validates addresses, drivers and loan parameters before any transaction
// is attempted.
package config
