// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the autoscaler's configuration from a YAML file on
// disk, then applies environment-variable overrides.
package config

import (
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"marathon-autoscaler/internal/apperrors"
)

// ServiceAccountAuth configures optional DC/OS-IAM JWT login-token auth
// for the orchestrator gateway, used in place of HTTP basic auth when a
// private key is configured.
type ServiceAccountAuth struct {
	AccountID      string `yaml:"account_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	LoginEndpoint  string `yaml:"login_endpoint"`
}

// Config holds all configuration for the autoscaler process.
type Config struct {
	mu sync.RWMutex

	Debug bool `yaml:"debug"`

	MarathonURL  string `yaml:"marathon_url"`
	MarathonUser string `yaml:"marathon_user"`
	MarathonPass string `yaml:"marathon_pass"`

	MesosURL  string `yaml:"mesos_url"`
	MesosUser string `yaml:"mesos_user"`
	MesosPass string `yaml:"mesos_pass"`

	// Port0 is the listen port for the side health/metrics HTTP endpoint.
	Port0 int `yaml:"port0"`

	// InsecureSkipVerify disables TLS certificate verification on both
	// gateways. Defaults to true because most Marathon/Mesos installs
	// run self-signed; operators should flip it to false.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	LogLevel string `yaml:"log_level"`

	ServiceAccount *ServiceAccountAuth `yaml:"service_account,omitempty"`

	// ConfigSource records whether this Config came from defaults, a
	// file, or both, for startup logging.
	ConfigSource string `yaml:"-"`
}

// Global config instance with thread-safe access.
var (
	Global     *Config
	globalLock sync.RWMutex
)

// GetDefaults returns a new Config with default values.
func GetDefaults() *Config {
	return &Config{
		Debug:              false,
		Port0:              8081,
		InsecureSkipVerify: true,
		LogLevel:           "info",
		ConfigSource:       "default",
	}
}

// Get returns the global config instance, loading bare defaults if Load
// has not yet been called. Callers on the hot path (supervisor loop,
// gateways) should use this rather than threading a *Config everywhere.
func Get() *Config {
	globalLock.RLock()
	if Global != nil {
		defer globalLock.RUnlock()
		return Global
	}
	globalLock.RUnlock()

	globalLock.Lock()
	defer globalLock.Unlock()
	if Global == nil {
		Global = GetDefaults()
	}
	return Global
}

// Load reads configuration from the YAML file at path (if it exists),
// layering it over defaults, then applies environment-variable
// overrides, and installs the result as the Global instance. A missing
// file is not an error: defaults plus environment variables are a
// valid configuration.
func Load(path string) (*Config, error) {
	cfg := GetDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
				return nil, apperrors.Wrapf(yerr, apperrors.CategoryConfig, "Load", "failed to parse config file %s", path)
			}
			cfg.ConfigSource = "file"
		} else if !os.IsNotExist(err) {
			return nil, apperrors.Wrapf(err, apperrors.CategoryConfig, "Load", "failed to read config file %s", path)
		}
	}

	cfg.ApplyEnvOverrides()

	if cfg.MarathonURL == "" {
		return nil, apperrors.ConfigError("Load", "marathon_url must be set (file or MARATHON_URL)")
	}
	if cfg.MesosURL == "" {
		return nil, apperrors.ConfigError("Load", "mesos_url must be set (file or MESOS_URL)")
	}

	globalLock.Lock()
	Global = cfg
	globalLock.Unlock()

	return cfg, nil
}

// ApplyEnvOverrides layers non-empty environment variables onto the
// config: MARATHON_URL, MARATHON_USER, MARATHON_PASS, MESOS_URL,
// MESOS_USER, MESOS_PASS, and PORT0.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("MARATHON_URL"); v != "" {
		c.MarathonURL = v
	}
	if v := os.Getenv("MARATHON_USER"); v != "" {
		c.MarathonUser = v
	}
	if v := os.Getenv("MARATHON_PASS"); v != "" {
		c.MarathonPass = v
	}
	if v := os.Getenv("MESOS_URL"); v != "" {
		c.MesosURL = v
	}
	if v := os.Getenv("MESOS_USER"); v != "" {
		c.MesosUser = v
	}
	if v := os.Getenv("MESOS_PASS"); v != "" {
		c.MesosPass = v
	}
	if v := os.Getenv("PORT0"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port0 = port
		}
	}
}
