// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package hostlock keeps a single framerpc host running per lock file.
package hostlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexflint/go-filemutex"
)

var ErrAlreadyRunning = errors.New("another framerpc host holds the lock")

type FDLock interface {
	Close() error
}

type hostLock struct {
	mutex *filemutex.FileMutex
}

func (l *hostLock) Close() error {
	l.mutex.Unlock()
	return l.mutex.Close()
}

// AcquireHostLock takes an exclusive, non-blocking lock on lockFileName, creating
// its directory if needed. Keep the returned lock open for as long as the host runs.
func AcquireHostLock(lockFileName string) (FDLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockFileName), 0700); err != nil {
		return nil, fmt.Errorf("cannot create lock directory: %w", err)
	}
	mutex, err := filemutex.New(lockFileName)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock file %s: %w", lockFileName, err)
	}
	err = mutex.TryLock()
	if errors.Is(err, filemutex.AlreadyLocked) {
		mutex.Close()
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		mutex.Close()
		return nil, err
	}
	return &hostLock{mutex: mutex}, nil
}
