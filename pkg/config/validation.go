package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg against its struct tags and the cross-field rules
// struct tags alone can't express (Kerberos requiring a keytab, primarily).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Kerberos.Enabled {
		if cfg.Kerberos.KeytabPath == "" {
			return fmt.Errorf("kerberos.keytab_path is required when kerberos.enabled is true")
		}
		if cfg.Kerberos.ServicePrincipal == "" {
			return fmt.Errorf("kerberos.service_principal is required when kerberos.enabled is true")
		}
	}

	if cfg.Rendezvous.Register && cfg.Rendezvous.Addr == "" {
		return fmt.Errorf("rendezvous.addr is required when rendezvous.register is true")
	}

	return nil
}
