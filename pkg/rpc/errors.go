// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"

	"github.com/outrigdev/framerpc/pkg/panichandler"
)

var (
	// ErrNoPartner is returned for calls placed before the handshake completed.
	// No message is sent for such calls.
	ErrNoPartner        = errors.New("no partner: handshake has not completed")
	ErrMethodNotAllowed = errors.New("method is not in the allow-list")
	ErrCallTimeout      = errors.New("rpc call timed out")
	ErrDisposed         = errors.New("rpc endpoint disposed")
)

// RemoteError is a failure reported by a server running a reply-error policy.
type RemoteError struct {
	Method   string
	MethodId int64
	Msg      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error in %q (id %d): %s", e.Method, e.MethodId, e.Msg)
}

func panicToError(debugStr string, recoverVal any) error {
	return panichandler.PanicHandler(debugStr, recoverVal)
}
