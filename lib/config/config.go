/*
Copyright 2024 the coreupdate authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the ambient tunables the update and zone-bundle
// cores need to construct their process-wide singletons: MGS's base
// address, the installinator relay's buffer size, the default zone-bundle
// storage roots, and the default cleanup period/limit. Everything else -
// HTTP routing, CLI flags, persistent DB settings, auth - belongs to the
// collaborator processes that embed these cores.
package config

import (
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/spf13/viper"
)

// Config is the root ambient configuration for a process embedding both
// cores.
type Config struct {
	MGS           MGSConfig           `mapstructure:"mgs"`
	Installinator InstallinatorConfig `mapstructure:"installinator"`
	ZoneBundle    ZoneBundleConfig    `mapstructure:"zone_bundle"`
}

// MGSConfig addresses the Management Gateway Service the update core
// talks to. The core itself is transport-agnostic; this is only what a
// production mgs.Client implementation needs to dial out.
type MGSConfig struct {
	BaseAddress string        `mapstructure:"base_address"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// InstallinatorConfig tunes the installinator Relay.
type InstallinatorConfig struct {
	// RelayBufferSize bounds how many update-id subscriptions the Relay
	// retains before its owner should start unregistering finished ones.
	RelayBufferSize int `mapstructure:"relay_buffer_size"`
}

// ZoneBundleConfig seeds the Bundler and CleanupContext's defaults.
type ZoneBundleConfig struct {
	StorageRoots         []string      `mapstructure:"storage_roots"`
	DefaultCleanupPeriod time.Duration `mapstructure:"default_cleanup_period"`
	DefaultStorageLimit  int           `mapstructure:"default_storage_limit_percent"`
}

// Load reads configuration from an optional config file, environment
// variables ("no prefix" overrides, e.g. MGS_BASE_ADDRESS), and documented
// defaults, in that precedence order.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("coreupdate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coreupdate")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, trace.Wrap(err, "reading coreupdate config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, trace.Wrap(err, "unmarshaling coreupdate config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// Validate checks the tunables fall within the bounds the zonebundle and
// update packages themselves enforce, so a misconfigured process fails at
// startup rather than at first use.
func (c *Config) Validate() error {
	if c.MGS.BaseAddress == "" {
		return trace.BadParameter("mgs.base_address must be set")
	}
	if len(c.ZoneBundle.StorageRoots) == 0 {
		return trace.BadParameter("zone_bundle.storage_roots must name at least one root")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mgs.base_address", "http://localhost:12228")
	v.SetDefault("mgs.timeout", "30s")

	v.SetDefault("installinator.relay_buffer_size", 256)

	v.SetDefault("zone_bundle.storage_roots", []string{"/pool/ext/debug/bundle"})
	v.SetDefault("zone_bundle.default_cleanup_period", "5m")
	v.SetDefault("zone_bundle.default_storage_limit_percent", 25)
}
