// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logutil sets up logrus for framerpc binaries and provides small helpers
// shared by the rpc components.
package logutil

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// loggedKeys tracks which keys have already been logged
	loggedKeys = make(map[string]struct{})
	// mutex protects access to the loggedKeys map
	mutex sync.Mutex
)

// InitLogging configures the standard logrus logger. An empty level means info.
func InitLogging(level string, dev bool) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors:   dev,
		FullTimestamp: true,
	})
	return nil
}

func ComponentLog(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// shouldLog checks if a message with the given key should be logged
// and marks the key as logged if it hasn't been seen before.
func shouldLog(key string) bool {
	mutex.Lock()
	defer mutex.Unlock()
	if _, exists := loggedKeys[key]; exists {
		return false
	}
	loggedKeys[key] = struct{}{}
	return true
}

// LogfOnce logs at warn level the first time key is seen and at debug level after that.
func LogfOnce(log *logrus.Entry, key string, format string, args ...interface{}) {
	if shouldLog(key) {
		log.Warnf(format, args...)
		return
	}
	log.Debugf(format, args...)
}
