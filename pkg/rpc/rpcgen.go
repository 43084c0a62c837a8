// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/outrigdev/framerpc/pkg/rpctypes"
	"github.com/outrigdev/framerpc/pkg/utilfn"
)

type RpcMethodDecl struct {
	Command                 string
	MethodName              string
	CommandDataType         reflect.Type
	DefaultResponseDataType reflect.Type
}

// SpreadsArgs reports whether the whole argument list maps onto the data parameter.
// Otherwise the data parameter receives the first argument.
func (decl *RpcMethodDecl) SpreadsArgs() bool {
	return decl.CommandDataType != nil && decl.CommandDataType.Kind() == reflect.Slice
}

var contextRType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorRType = reflect.TypeOf((*error)(nil)).Elem()
var fullRpcInterfaceRType = reflect.TypeOf((*rpctypes.FullRpcInterface)(nil)).Elem()

// Registrar is anything methods can be registered on (Server, MethodRegistry).
type Registrar interface {
	RegisterMethod(name string, handler MethodHandler)
}

func commandNameFromMethod(methodName string) (string, bool) {
	if !strings.HasSuffix(methodName, "Command") || methodName == "Command" {
		return "", false
	}
	return strings.ToLower(methodName[:len(methodName)-len("Command")]), true
}

// makeRpcMethodDecl validates a method type (receiver excluded).
// Accepted shapes: func(ctx[, data]) | error | (R, error)
func makeRpcMethodDecl(methodName string, mtype reflect.Type) (*RpcMethodDecl, error) {
	command, ok := commandNameFromMethod(methodName)
	if !ok {
		return nil, fmt.Errorf("method %q does not have Command suffix", methodName)
	}
	if mtype.NumIn() == 0 || mtype.In(0) != contextRType {
		return nil, fmt.Errorf("method %q does not have context as first argument", methodName)
	}
	if mtype.NumIn() > 2 || mtype.IsVariadic() {
		return nil, fmt.Errorf("method %q takes too many arguments (ctx plus at most one data argument)", methodName)
	}
	decl := &RpcMethodDecl{
		Command:    command,
		MethodName: methodName,
	}
	if mtype.NumIn() == 2 {
		decl.CommandDataType = mtype.In(1)
	}
	switch mtype.NumOut() {
	case 0:
	case 1:
		if mtype.Out(0) != errorRType {
			return nil, fmt.Errorf("method %q has a single return value that is not an error", methodName)
		}
	case 2:
		if mtype.Out(1) != errorRType {
			return nil, fmt.Errorf("method %q must return (value, error)", methodName)
		}
		decl.DefaultResponseDataType = mtype.Out(0)
	default:
		return nil, fmt.Errorf("method %q has invalid number of return values", methodName)
	}
	return decl, nil
}

// GenerateRpcCommandDeclMap builds the decl map for rpctypes.FullRpcInterface.
// It panics on a malformed interface since that is a programming error.
func GenerateRpcCommandDeclMap() map[string]*RpcMethodDecl {
	rtype := fullRpcInterfaceRType
	rtnMap := make(map[string]*RpcMethodDecl)
	for midx := 0; midx < rtype.NumMethod(); midx++ {
		method := rtype.Method(midx)
		decl, err := makeRpcMethodDecl(method.Name, method.Type)
		if err != nil {
			panic(err.Error())
		}
		rtnMap[decl.Command] = decl
	}
	return rtnMap
}

// RegisterImpl registers every XxxCommand method of impl under the command name "xxx".
// Reflective handlers always run on their own goroutine, so they return deferred results.
func RegisterImpl(reg Registrar, impl any) ([]string, error) {
	rval := reflect.ValueOf(impl)
	rtype := rval.Type()
	var commands []string
	handlers := make(map[string]MethodHandler)
	for midx := 0; midx < rtype.NumMethod(); midx++ {
		methodName := rtype.Method(midx).Name
		if _, ok := commandNameFromMethod(methodName); !ok {
			continue
		}
		fnVal := rval.Method(midx)
		decl, err := makeRpcMethodDecl(methodName, fnVal.Type())
		if err != nil {
			return nil, err
		}
		handlers[decl.Command] = makeReflectHandler(decl, fnVal)
	}
	for _, command := range utilfn.GetOrderedMapKeys(handlers) {
		reg.RegisterMethod(command, handlers[command])
		commands = append(commands, command)
	}
	return commands, nil
}

func makeReflectHandler(decl *RpcMethodDecl, fnVal reflect.Value) MethodHandler {
	return func(ctx context.Context, args []any) Result {
		return Go(func() (any, error) {
			in := []reflect.Value{reflect.ValueOf(&ctx).Elem()}
			if decl.CommandDataType != nil {
				dataPtr := reflect.New(decl.CommandDataType)
				var src any
				if decl.SpreadsArgs() {
					src = args
				} else if len(args) > 0 {
					src = args[0]
				}
				if src != nil {
					if err := utilfn.ReUnmarshal(dataPtr.Interface(), src); err != nil {
						return nil, fmt.Errorf("invalid arguments for %q: %w", decl.Command, err)
					}
				}
				in = append(in, dataPtr.Elem())
			}
			out := fnVal.Call(in)
			switch len(out) {
			case 0:
				return nil, nil
			case 1:
				return nil, errorFromValue(out[0])
			default:
				if err := errorFromValue(out[1]); err != nil {
					return nil, err
				}
				return out[0].Interface(), nil
			}
		})
	}
}

func errorFromValue(val reflect.Value) error {
	if val.IsNil() {
		return nil
	}
	return val.Interface().(error)
}
