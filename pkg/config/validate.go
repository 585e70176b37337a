package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration for correctness.
//
// Struct-level rules come from the `validate` tags; rules the tags cannot
// express (like the directory URL scheme) are checked here explicitly.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !strings.HasPrefix(cfg.Directory.URL, "ldap://") && !strings.HasPrefix(cfg.Directory.URL, "ldaps://") {
		return fmt.Errorf("directory.url must use the ldap:// or ldaps:// scheme, got %q", cfg.Directory.URL)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics.port %d collides with server.port", cfg.Metrics.Port)
	}

	return nil
}
