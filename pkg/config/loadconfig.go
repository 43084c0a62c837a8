// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
)

const ConfigFileBaseName = "framerpc"

var ConfigFileExts = []string{".json", ".yaml", ".yml", ".toml"}

// FindConfigFile walks up from startDir looking for framerpc.{json,yaml,toml}.
// The walk stops at a project root (.git or go.mod), the home directory, or the
// filesystem root. Returns "" when nothing is found.
func FindConfigFile(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	homeDir, _ := os.UserHomeDir()

	for {
		if path := configFileInDir(dir); path != "" {
			return path, nil
		}

		// Stop at project root markers
		if hasProjectRoot(dir) {
			break
		}

		// Stop at home directory
		if homeDir != "" && dir == homeDir {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

func configFileInDir(dir string) string {
	for _, ext := range ConfigFileExts {
		path := filepath.Join(dir, ConfigFileBaseName+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func hasProjectRoot(dir string) bool {
	markers := []string{".git", "go.mod"}
	for _, marker := range markers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}
