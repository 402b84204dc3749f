package config

import "time"

type Crypto struct {
	// Directory holding one store per identity.
	StorePath string `yaml:"store_path"`

	// Device ID every bridge identity logs in with. Changing it wipes the
	// existing stores on next use.
	DeviceID string `yaml:"device_id"`

	// External helper used for cross-signing bootstrap and as the session engine sidecar.
	HelperPath string `yaml:"helper_path"`

	DeviceDisplayName string `yaml:"device_display_name"`

	// How long to wait after a new device registration before claiming keys.
	PropagationDelay time.Duration `yaml:"propagation_delay"`

	MaxDispatchPasses   int `yaml:"max_dispatch_passes"`
	MaxRateLimitRetries int `yaml:"max_rate_limit_retries"`

	// Global bound on concurrent device registrations.
	RegistrationConcurrency int64 `yaml:"registration_concurrency"`
}

func (c *Crypto) Defaults(opts DefaultOpts) {
	c.StorePath = "./data/crypto"
	c.DeviceID = "PLURAL_CTX_V4"
	c.DeviceDisplayName = "PluralMatrix Bridge"
	c.PropagationDelay = time.Second
	c.MaxDispatchPasses = 10
	c.MaxRateLimitRetries = 5
	c.RegistrationConcurrency = 1
	if opts.Generate {
		c.HelperPath = "./bin/plural-crypto-helper"
	}
}

func (c *Crypto) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "crypto.store_path", c.StorePath)
	checkNotEmpty(configErrs, "crypto.device_id", c.DeviceID)
	checkNotEmpty(configErrs, "crypto.helper_path", c.HelperPath)
	checkPositive(configErrs, "crypto.propagation_delay", int64(c.PropagationDelay))
	checkPositive(configErrs, "crypto.max_dispatch_passes", int64(c.MaxDispatchPasses))
	checkPositive(configErrs, "crypto.max_rate_limit_retries", int64(c.MaxRateLimitRetries))
	if c.RegistrationConcurrency < 1 {
		configErrs.Add("crypto.registration_concurrency must be at least 1")
	}
}
