// Package config loads, defaults and validates the gateway configuration.
//
// Configuration is a single YAML file. Values may reference environment
// variables as ${VAR} or ${VAR:-default}; "$$" escapes a literal dollar.
//
//	cfg, err := config.LoadConfig("gateway.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    return err
//	}
//
// A Watcher reloads the file on change. Only the logging level is applied
// at runtime; service topology and tunables require a restart.
package config
