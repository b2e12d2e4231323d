package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// busEnv holds the EVERGO_BUS_* overrides. Unset variables leave the loaded
// value untouched.
type busEnv struct {
	Backend            *string        `env:"BACKEND"`
	URL                *string        `env:"URL"`
	Namespace          *string        `env:"NAMESPACE"`
	InsecureSkipVerify *bool          `env:"INSECURE_SKIP_VERIFY"`
	ConnectTimeout     *time.Duration `env:"CONNECT_TIMEOUT"`
}

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "EVERGO_BUS_"

// ApplyEnv overrides b from environ, or from the process environment when
// environ is nil.
func ApplyEnv(b *Bus, environ map[string]string) error {
	var e busEnv
	if err := env.ParseWithOptions(&e, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if e.Backend != nil {
		b.Backend = *e.Backend
	}
	if e.URL != nil {
		b.URL = *e.URL
	}
	if e.Namespace != nil {
		b.Namespace = *e.Namespace
	}
	if e.InsecureSkipVerify != nil {
		b.InsecureSkipVerify = *e.InsecureSkipVerify
	}
	if e.ConnectTimeout != nil {
		b.ConnectTimeout = *e.ConnectTimeout
	}
	return nil
}
