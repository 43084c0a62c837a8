// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"sort"
	"sync"
)

type MethodHandler func(ctx context.Context, args []any) Result

// HandlerFunc adapts a plain function into a handler with an immediate result.
func HandlerFunc(fn func(args []any) any) MethodHandler {
	return func(ctx context.Context, args []any) Result {
		return Immediate(fn(args))
	}
}

type MethodRegistry struct {
	lock    *sync.Mutex
	methods map[string]MethodHandler
}

func MakeMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		lock:    &sync.Mutex{},
		methods: make(map[string]MethodHandler),
	}
}

// Register overwrites any handler already registered under name.
func (r *MethodRegistry) Register(name string, handler MethodHandler) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.methods[name] = handler
}

// RegisterMethod lets a bare registry be used as a Registrar.
func (r *MethodRegistry) RegisterMethod(name string, handler MethodHandler) {
	r.Register(name, handler)
}

func (r *MethodRegistry) Lookup(name string) (MethodHandler, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	handler, ok := r.methods[name]
	return handler, ok
}

func (r *MethodRegistry) Names() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *MethodRegistry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.methods)
}
