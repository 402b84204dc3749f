package config

import (
	"strings"
)

// DataSource for opening a database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	// commented line may not always be true?
	// return strings.HasPrefix(string(d), "postgresql:")
	return !d.IsSQLite()
}

type Database struct {
	// The connection string, file:filename.db or postgres://server....
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
}

func (c *Database) Defaults(opts DefaultOpts) {
	c.MaxOpenConnections = 90
	c.MaxIdleConnections = 2
	if opts.Generate {
		c.ConnectionString = "file:pluralbridge.db"
	}
}

func (c *Database) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "database.connection_string", string(c.ConnectionString))
}

type Notify struct {
	// NATS server URL. When empty, system updates are only delivered in-process.
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

func (c *Notify) Defaults() {
	c.Subject = "pluralbridge.system_update"
}

func (c *Notify) Verify(configErrs *ConfigErrors) {
	if c.NATSURL != "" {
		checkNotEmpty(configErrs, "notify.subject", c.Subject)
	}
}
