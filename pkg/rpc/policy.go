// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import "fmt"

// FailurePolicy controls what a server does when it cannot produce a result.
type FailurePolicy string

const (
	// PolicyDrop logs the failure and sends nothing; the caller's call stays pending.
	PolicyDrop FailurePolicy = "drop"
	// PolicyReplyError sends a response carrying an error message.
	PolicyReplyError FailurePolicy = "reply-error"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyDrop:
		return PolicyDrop, nil
	case PolicyReplyError:
		return PolicyReplyError, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (expected %q or %q)", s, PolicyDrop, PolicyReplyError)
	}
}
