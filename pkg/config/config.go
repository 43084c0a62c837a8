// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/outrigdev/framerpc/pkg/base"
	"github.com/outrigdev/framerpc/pkg/originfilter"
	"github.com/outrigdev/framerpc/pkg/rpc"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string      `mapstructure:"loglevel"`
	Dev      bool        `mapstructure:"dev"`
	Host     HostConfig  `mapstructure:"host"`
	Guest    GuestConfig `mapstructure:"guest"`
	Rpc      RpcConfig   `mapstructure:"rpc"`

	// ConfigFile is the file the config was read from, if any.
	ConfigFile string `mapstructure:"-"`
}

type HostConfig struct {
	Listen string `mapstructure:"listen"`
	// URL identifies the host context; its origin is what guests see.
	URL          string `mapstructure:"url"`
	OriginFilter string `mapstructure:"originfilter"`
	LockFile     string `mapstructure:"lockfile"`
}

type GuestConfig struct {
	// URL identifies the guest context; its origin is sent as the Origin header.
	URL       string   `mapstructure:"url"`
	ServerURL string   `mapstructure:"serverurl"`
	Methods   []string `mapstructure:"methods"`
}

type RpcConfig struct {
	CallTimeout          time.Duration `mapstructure:"calltimeout"`
	UnknownMethodPolicy  string        `mapstructure:"unknownmethodpolicy"`
	HandlerFailurePolicy string        `mapstructure:"handlerfailurepolicy"`
	RecentIdCacheSize    int           `mapstructure:"recentidcachesize"`
}

// MakeViper returns a viper instance with defaults and env binding set up. Callers may
// bind flags on it before calling Load.
func MakeViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("loglevel", "info")
	v.SetDefault("dev", os.Getenv(base.DevEnvName) == "1")
	v.SetDefault("host.listen", base.DefaultListenAddr)
	v.SetDefault("host.url", "http://"+base.DefaultListenAddr+"/")
	v.SetDefault("host.originfilter", "http://localhost/")
	v.SetDefault("host.lockfile", "")
	v.SetDefault("guest.url", "http://localhost/framerpc-cli")
	v.SetDefault("guest.serverurl", "ws://"+base.DefaultListenAddr+"/ws")
	v.SetDefault("guest.methods", []string{})
	v.SetDefault("rpc.calltimeout", 30*time.Second)
	v.SetDefault("rpc.unknownmethodpolicy", string(rpc.PolicyDrop))
	v.SetDefault("rpc.handlerfailurepolicy", string(rpc.PolicyDrop))
	v.SetDefault("rpc.recentidcachesize", rpc.DefaultRecentIdCacheSize)

	v.SetEnvPrefix(base.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file named by FRAMERPC_CONFIG, or the nearest framerpc.* file
// found walking up from the working directory. A missing file is only an error when
// it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = MakeViper()
	}
	configFile := os.Getenv(base.ConfigEnvName)
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, fmt.Errorf("config file from %s: %w", base.ConfigEnvName, err)
		}
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		configFile, err = FindConfigFile(cwd)
		if err != nil {
			return nil, err
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ConfigFile = configFile
	if cfg.Host.LockFile == "" {
		cfg.Host.LockFile = base.GetHostLockPath(cfg.Dev)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := rpc.ParseFailurePolicy(c.Rpc.UnknownMethodPolicy); err != nil {
		return fmt.Errorf("rpc.unknownmethodpolicy: %w", err)
	}
	if _, err := rpc.ParseFailurePolicy(c.Rpc.HandlerFailurePolicy); err != nil {
		return fmt.Errorf("rpc.handlerfailurepolicy: %w", err)
	}
	if c.Rpc.CallTimeout < 0 {
		return fmt.Errorf("rpc.calltimeout must not be negative")
	}
	if _, err := originfilter.MakeOriginFilter(c.Host.OriginFilter); err != nil {
		return fmt.Errorf("host.originfilter: %w", err)
	}
	return nil
}

func (c *Config) ServerOpts() *rpc.ServerOpts {
	unknown, _ := rpc.ParseFailurePolicy(c.Rpc.UnknownMethodPolicy)
	failure, _ := rpc.ParseFailurePolicy(c.Rpc.HandlerFailurePolicy)
	return &rpc.ServerOpts{
		UnknownMethodPolicy:  unknown,
		HandlerFailurePolicy: failure,
	}
}

func (c *Config) ClientOpts() *rpc.ClientOpts {
	return &rpc.ClientOpts{
		CallTimeout:       c.Rpc.CallTimeout,
		RecentIdCacheSize: c.Rpc.RecentIdCacheSize,
	}
}
