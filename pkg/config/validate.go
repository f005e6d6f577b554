package config

import (
	"fmt"
	"strings"
)

// Validate mirrors the original Lifecycle._verify_settings checks, extended
// with the ambient server/TLS requirements. A violation here is Fatal
// (spec §7): the process must not accept traffic with broken config.
func (c *Config) Validate() error {
	var problems []string

	k := c.KME

	if k.MinKeySize <= 0 || k.MaxKeySize <= 0 || k.DefaultKeySize <= 0 ||
		k.MaxKeyCount <= 0 || k.MaxKeysPerRequest <= 0 {
		problems = append(problems, "all numeric config values must be above 0")
	}
	if k.MinKeySize%8 != 0 {
		problems = append(problems, "min_key_size must be a multiple of 8")
	}
	if k.MaxKeySize%8 != 0 {
		problems = append(problems, "max_key_size must be a multiple of 8")
	}
	if k.DefaultKeySize%8 != 0 {
		problems = append(problems, "default_key_size must be a multiple of 8")
	}
	if k.MinKeySize > k.MaxKeySize {
		problems = append(problems, "min_key_size must not exceed max_key_size")
	}
	if k.DefaultKeySize < k.MinKeySize || k.DefaultKeySize > k.MaxKeySize {
		problems = append(problems, "default_key_size must be within [min_key_size, max_key_size]")
	}
	if strings.TrimSpace(k.ID) == "" {
		problems = append(problems, "id must be set")
	}
	if strings.TrimSpace(k.ServerCertFile) == "" || strings.TrimSpace(k.ServerKeyFile) == "" || strings.TrimSpace(k.CAFile) == "" {
		problems = append(problems, "server_cert_file, server_key_file, and ca_file must all be set")
	}
	if k.IsMaster && k.KeyGenTimeoutSecs <= 0 {
		problems = append(problems, "key_generation_timeout_in_seconds must be above 0 for a master KME")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}
