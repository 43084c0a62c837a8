// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package channel describes the asynchronous, handle-addressed message transport that
// connects two execution contexts. Implementations live in the subpackages.
package channel

import "encoding/json"

// TargetOriginAny delivers a message regardless of the target's origin.
const TargetOriginAny = "*"

// Endpoint is a handle to another context's message endpoint.
type Endpoint interface {
	EndpointId() string
	Origin() string
	// PostMessage is fire-and-forget. The message is dropped silently if targetOrigin is
	// neither TargetOriginAny nor the endpoint's origin.
	PostMessage(data any, targetOrigin string) error
}

type MessageEvent struct {
	Data   json.RawMessage
	Origin string
	Source Endpoint
}

type MessageHandler func(ev MessageEvent)

// Context is the local execution context. Listeners for one context are never run
// concurrently with each other.
type Context interface {
	Origin() string
	AddMessageListener(fn MessageHandler) (remove func())
}

// Frame is a handle on a hosted guest context.
type Frame interface {
	Endpoint
	// AddLoadListener registers fn to run each time the guest finishes loading.
	AddLoadListener(fn func()) (remove func())
}

func SameEndpoint(a Endpoint, b Endpoint) bool {
	if a == nil || b == nil {
		return false
	}
	return a.EndpointId() == b.EndpointId()
}

// TargetOriginAllows reports whether a message posted with targetOrigin may be
// delivered to a context whose origin is origin.
func TargetOriginAllows(targetOrigin string, origin string) bool {
	return targetOrigin == TargetOriginAny || targetOrigin == origin
}
