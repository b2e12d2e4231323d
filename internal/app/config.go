package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Prefix   string // modules/ and interfaces/ definitions
	ConfPath string // deployment hcl file or directory
	Module   string // instance to run; empty runs the whole deployment

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.Prefix == "" {
		return nil, errors.New("Prefix is a required configuration field and cannot be empty")
	}
	if cfg.ConfPath == "" {
		return nil, errors.New("ConfPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
