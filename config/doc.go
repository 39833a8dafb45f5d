// Package config loads the agent's configuration from a YAML file with
// environment-variable overrides, following the same "defaults -> file ->
// env" merge order and Loader builder pattern used across this codebase.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("/etc/agent/agent.yaml").
//	    WithEnvPrefix("AGENT").
//	    Load()
package config
