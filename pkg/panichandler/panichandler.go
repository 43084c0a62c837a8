// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package panichandler

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "panichandler")

// PanicHandler is meant to be called as PanicHandler("name", recover()) inside a defer.
// It logs the panic with a stack trace and converts it into an error.
func PanicHandler(debugStr string, recoverVal any) error {
	if recoverVal == nil {
		return nil
	}
	log.Errorf("[panic] in %s: %v", debugStr, recoverVal)
	log.Errorf("[panic] stack trace:\n%s", string(debug.Stack()))
	if err, ok := recoverVal.(error); ok {
		return fmt.Errorf("panic in %s: %w", debugStr, err)
	}
	return fmt.Errorf("panic in %s: %v", debugStr, recoverVal)
}
