package config

import (
	"fmt"
	"net"
	"time"
)

type AppService struct {
	// Address the homeserver delivers transactions to.
	Listen string `yaml:"listen"`

	// Rate limiting for the dead-letter API.
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *AppService) Defaults() {
	c.Listen = ":9000"
	c.RateLimiting.Defaults()
}

func (c *AppService) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "app_service.listen", c.Listen)
	c.RateLimiting.Verify(configErrs)
}

type Gatekeeper struct {
	// Internal-only address the homeserver module posts pre-storage checks to.
	Listen string `yaml:"listen"`

	// Encrypted payloads are retried this many times before failing open.
	DecryptAttempts      int           `yaml:"decrypt_attempts"`
	DecryptRetryInterval time.Duration `yaml:"decrypt_retry_interval"`
}

func (c *Gatekeeper) Defaults() {
	c.Listen = "0.0.0.0:9001"
	c.DecryptAttempts = 3
	c.DecryptRetryInterval = 200 * time.Millisecond
}

func (c *Gatekeeper) Verify(configErrs *ConfigErrors) {
	if c.DecryptAttempts < 1 {
		configErrs.Add("gatekeeper.decrypt_attempts must be at least 1")
	}
	checkPositive(configErrs, "gatekeeper.decrypt_retry_interval", int64(c.DecryptRetryInterval))
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a caller can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of accounts that are exempt from rate limiting.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 5
	r.CooloffMS = 500
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"app_service.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
				"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
		)
	}
	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if parsedIP := net.ParseIP(ip); parsedIP == nil {
				configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "app_service.rate_limiting.exempt_ip_addresses", ip))
			}
		}
	}
}
