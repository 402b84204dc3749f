package config

import (
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"maunium.net/go/mautrix/id"
)

type Global struct {
	// The name of the server. This is usually the domain name, e.g 'matrix.org', 'localhost'.
	ServerName spec.ServerName `yaml:"server_name"`

	// Base URL of the homeserver's client-server API, e.g. http://synapse:8008.
	HomeserverURL string `yaml:"homeserver_url"`

	// Tokens shared with the homeserver in the appservice registration.
	// AS_TOKEN and HS_TOKEN in the environment take precedence.
	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`

	// Localpart of the bridge's own identity.
	SenderLocalpart string `yaml:"sender_localpart"`

	// Localpart prefix of every ghost identity.
	GhostPrefix string `yaml:"ghost_prefix"`

	// Prefix that marks a message as a bridge command.
	CommandPrefix string `yaml:"command_prefix"`

	Sentry  Sentry  `yaml:"sentry"`
	Metrics Metrics `yaml:"metrics"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.ServerName = "localhost"
		c.HomeserverURL = "http://localhost:8008"
	}
	c.SenderLocalpart = "plural_bot"
	c.GhostPrefix = "_plural_"
	c.CommandPrefix = "pk;"
	c.Sentry.Defaults()
	c.Metrics.Defaults(opts)
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	checkURL(configErrs, "global.homeserver_url", c.HomeserverURL)
	checkNotEmpty(configErrs, "global.as_token", c.ASToken)
	checkNotEmpty(configErrs, "global.hs_token", c.HSToken)
	checkNotEmpty(configErrs, "global.sender_localpart", c.SenderLocalpart)
	checkNotEmpty(configErrs, "global.ghost_prefix", c.GhostPrefix)
	checkNotEmpty(configErrs, "global.command_prefix", c.CommandPrefix)
	if strings.ContainsAny(c.GhostPrefix, ":@ ") {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "global.ghost_prefix", c.GhostPrefix))
	}
	c.Sentry.Verify(configErrs)
	c.Metrics.Verify(configErrs)
}

// BotUserID returns the full user ID of the bridge's own identity.
func (c *Global) BotUserID() id.UserID {
	return id.NewUserID(c.SenderLocalpart, string(c.ServerName))
}

// IsBridgeUser reports whether the user is the bridge itself or one of its ghosts.
func (c *Global) IsBridgeUser(userID id.UserID) bool {
	if userID == c.BotUserID() {
		return true
	}
	return strings.HasPrefix(string(userID), "@"+c.GhostPrefix) &&
		strings.HasSuffix(string(userID), ":"+string(c.ServerName))
}

// The configuration to use for Sentry error reporting
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Defaults() {
	c.Enabled = false
	c.DSN = ""
	c.Environment = ""
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

// The configuration to use for Prometheus metrics
type Metrics struct {
	// Whether or not the metrics are enabled
	Enabled bool `yaml:"enabled"`
	// Use BasicAuth for Authorization
	BasicAuth struct {
		// Authorization via Static Username & Password
		// Hardcoded Username and Password
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Defaults(opts DefaultOpts) {
	c.Enabled = false
	if opts.Generate {
		c.BasicAuth.Username = "metrics"
		c.BasicAuth.Password = "metrics"
	}
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
}
