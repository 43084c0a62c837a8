// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package base

import "github.com/outrigdev/framerpc/pkg/utilfn"

// Home directory paths
const FramerpcHome = "~/.config/framerpc"
const DevFramerpcHome = "~/.config/framerpc-dev"

const HostLockFileName = "framerpc-host.lock"

// Environment variables
const ConfigEnvName = "FRAMERPC_CONFIG"
const DevEnvName = "FRAMERPC_DEV"
const EnvPrefix = "FRAMERPC"

const FramerpcVersion = "v0.1.0"

// MinPeerVersion is the oldest framerpc version a websocket peer may announce.
const MinPeerVersion = "v0.1.0"

const DefaultListenAddr = "127.0.0.1:5015"

func GetFramerpcHome(isDev bool) string {
	if isDev {
		return DevFramerpcHome
	}
	return FramerpcHome
}

// GetHostLockPath returns the expanded path of the single-instance host lock file.
func GetHostLockPath(isDev bool) string {
	return utilfn.ExpandHomeDir(GetFramerpcHome(isDev) + "/" + HostLockFileName)
}
