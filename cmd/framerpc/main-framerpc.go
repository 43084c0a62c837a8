// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/outrigdev/framerpc/pkg/base"
	"github.com/outrigdev/framerpc/pkg/config"
	"github.com/outrigdev/framerpc/pkg/logutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FramerpcVersion is overridden at build time
var FramerpcVersion = base.FramerpcVersion

// FramerpcBuildTime is the build timestamp
var FramerpcBuildTime = ""

// loadConfig applies --config, reads the config and sets up logging.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		os.Setenv(base.ConfigEnvName, configFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := logutil.InitLogging(cfg.LogLevel, cfg.Dev); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		logutil.ComponentLog("main").Debugf("using config file %s", cfg.ConfigFile)
	}
	return cfg, nil
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, flagName string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("cannot bind flag %q: %v", flagName, err))
	}
}

func main() {
	v := config.MakeViper()

	rootCmd := &cobra.Command{
		Use:   "framerpc",
		Short: "framerpc runs method calls between a host context and embedded guests",
		Long: `framerpc connects a host context with guest contexts over postMessage-style channels.
The host exposes named methods; guests call an allow-listed subset of them.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Bool("dev", false, "Run in development mode")
	rootCmd.PersistentFlags().String("loglevel", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (overrides "+base.ConfigEnvName+")")
	bindPersistent := func(key string, flagName string) {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
			panic(fmt.Sprintf("cannot bind flag %q: %v", flagName, err))
		}
	}
	bindPersistent("dev", "dev")
	bindPersistent("loglevel", "loglevel")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Run a framerpc host",
		Long:  `Run a host context that serves the built-in methods to guests connecting over websockets.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			return runHost(cfg)
		},
	}
	hostCmd.Flags().String("listen", "", "Address to listen on")
	hostCmd.Flags().String("origin-filter", "", "URL prefix guests' origins must match")
	hostCmd.Flags().String("unknown-method-policy", "", "drop or reply-error")
	hostCmd.Flags().String("handler-failure-policy", "", "drop or reply-error")
	bindFlag(v, "host.listen", hostCmd, "listen")
	bindFlag(v, "host.originfilter", hostCmd, "origin-filter")
	bindFlag(v, "rpc.unknownmethodpolicy", hostCmd, "unknown-method-policy")
	bindFlag(v, "rpc.handlerfailurepolicy", hostCmd, "handler-failure-policy")

	callCmd := &cobra.Command{
		Use:   "call <method> [json-args...]",
		Short: "Call a method on a framerpc host",
		Long: `Connect to a host as a guest context, wait for the handshake, call one method and print its result.
Each argument is parsed as JSON; arguments that are not valid JSON are sent as strings.
Example: framerpc call add 2 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			return runCall(cfg, args[0], args[1:])
		},
	}
	callCmd.Flags().String("server", "", "Websocket url of the host")
	callCmd.Flags().Duration("timeout", 0, "Call timeout")
	bindFlag(v, "guest.serverurl", callCmd, "server")
	bindFlag(v, "rpc.calltimeout", callCmd, "timeout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of framerpc",
		Run: func(cmd *cobra.Command, args []string) {
			if FramerpcBuildTime != "" {
				fmt.Printf("%s+%s\n", FramerpcVersion, FramerpcBuildTime)
			} else {
				fmt.Printf("%s+dev\n", FramerpcVersion)
			}
		},
	}

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
