package config

import (
	"strconv"
	"time"
)

type Queue struct {
	// Transient failures are retried while the attempt count is at or
	// below this value.
	MaxAttempts int `yaml:"max_attempts"`

	// Dead letters older than this are removed by the collector.
	DeadLetterTTL time.Duration `yaml:"dead_letter_ttl"`
	GCInterval    time.Duration `yaml:"gc_interval"`
}

func (c *Queue) Defaults() {
	c.MaxAttempts = 3
	c.DeadLetterTTL = 24 * time.Hour
	c.GCInterval = time.Hour
}

func (c *Queue) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "queue.max_attempts", int64(c.MaxAttempts))
	if c.DeadLetterTTL <= 0 {
		configErrs.Add("queue.dead_letter_ttl must be positive")
	}
	if c.GCInterval <= 0 {
		configErrs.Add("queue.gc_interval must be positive")
	}
}

type Cache struct {
	// How long a proxy ruleset stays authoritative.
	ProxyRuleTTL time.Duration `yaml:"proxy_rule_ttl"`

	// How long appservice transaction IDs are remembered for de-duplication.
	TransactionTTL time.Duration `yaml:"transaction_ttl"`
}

func (c *Cache) Defaults() {
	c.ProxyRuleTTL = 300 * time.Second
	c.TransactionTTL = 10 * time.Minute
}

func (c *Cache) Verify(configErrs *ConfigErrors) {
	if c.ProxyRuleTTL <= 0 {
		configErrs.Add("cache.proxy_rule_ttl must be positive")
	}
	if c.TransactionTTL <= 0 {
		configErrs.Add("cache.transaction_ttl must be positive")
	}
}

func (c *Cache) applyEnvironment(getenv func(string) string) {
	if v := getenv("CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.ProxyRuleTTL = time.Duration(secs) * time.Second
		}
	}
}
