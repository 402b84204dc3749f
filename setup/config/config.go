// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 1

// Bridge contains all the config used by the bridge process.
type Bridge struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current bridge config
	// version then we can give a clear error message telling the user
	// to update their config file to the current version.
	Version int `yaml:"version"`

	Global     Global     `yaml:"global"`
	Crypto     Crypto     `yaml:"crypto"`
	Queue      Queue      `yaml:"queue"`
	Cache      Cache      `yaml:"cache"`
	AppService AppService `yaml:"app_service"`
	Gatekeeper Gatekeeper `yaml:"gatekeeper"`
	Database   Database   `yaml:"database"`
	Notify     Notify     `yaml:"notify"`

	// The config for tracing the bridge servers.
	Tracing Tracing `yaml:"tracing"`

	// The config for logging informations. Each hook will be added to logrus.
	Logging []LogrusHook `yaml:"logging"`
}

// DefaultOpts controls how Defaults fills in values that are only
// appropriate when generating a fresh config file.
type DefaultOpts struct {
	Generate bool
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Load a yaml config file for the bridge process. Relative paths in
// the file are resolved against the directory of the config file.
func Load(configPath string) (*Bridge, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	return loadConfig(basePath, configData, os.Getenv)
}

func loadConfig(basePath string, configData []byte, getenv func(string) string) (*Bridge, error) {
	var c Bridge
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}
	c.applyEnvironment(getenv)
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.Crypto.StorePath != "" && !filepath.IsAbs(c.Crypto.StorePath) {
		c.Crypto.StorePath = filepath.Join(basePath, c.Crypto.StorePath)
	}
	return &c, nil
}

// Defaults sets default config values if they are not explicitly set.
func (c *Bridge) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.Crypto.Defaults(opts)
	c.Queue.Defaults()
	c.Cache.Defaults()
	c.AppService.Defaults()
	c.Gatekeeper.Defaults()
	c.Database.Defaults(opts)
	c.Notify.Defaults()
	c.Tracing.Defaults()
	c.Logging = defaultLogging()
}

func (c *Bridge) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, section := range []verifiable{
		&c.Global, &c.Crypto, &c.Queue, &c.Cache,
		&c.AppService, &c.Gatekeeper, &c.Database, &c.Notify, &c.Tracing,
	} {
		section.Verify(configErrs)
	}
	verifyLogging(c.Logging, configErrs)
}

// applyEnvironment lets secrets be supplied without writing them to disk.
func (c *Bridge) applyEnvironment(getenv func(string) string) {
	if v := getenv("AS_TOKEN"); v != "" {
		c.Global.ASToken = v
	}
	if v := getenv("HS_TOKEN"); v != "" {
		c.Global.HSToken = v
	}
	c.Cache.applyEnvironment(getenv)
}

func (c *Bridge) check() error {
	var configErrs ConfigErrors
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %q, expected %q - this means that the format of the configuration "+
				"file has changed in some significant way, so please revisit the sample config "+
				"and ensure you are not missing any important options that may have been added "+
				"or changed recently!",
			c.Version, Version,
		))
		return configErrs
	}
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

// Add appends an error to the list of errors in this configErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// checkURL verifies that the parameter is a valid http(s) URL.
func checkURL(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
		return
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (!strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https")) {
		configErrs.Add(fmt.Sprintf("invalid URL for config key %q: %s", key, value))
	}
}
