// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/outrigdev/framerpc/pkg/rpc"
)

// SendRpcRequestCallHelper calls command and decodes its result into T. An undefined
// result leaves T at its zero value. A done ctx stops the wait but leaves the call
// pending on the client.
func SendRpcRequestCallHelper[T any](ctx context.Context, c *rpc.Client, command string, args []any) (T, error) {
	var respData T
	if c == nil {
		return respData, errors.New("nil rpc.Client passed to rpcclient")
	}
	resp, err := c.CallMethod(command, args...).Await(ctx)
	if err != nil {
		return respData, err
	}
	if resp == nil {
		return respData, nil
	}
	raw, ok := resp.(json.RawMessage)
	if !ok {
		return respData, fmt.Errorf("unexpected result type %T for %q", resp, command)
	}
	if err := json.Unmarshal(raw, &respData); err != nil {
		return respData, fmt.Errorf("cannot decode result of %q: %w", command, err)
	}
	return respData, nil
}

func ArgsFromSlice[T any](data []T) []any {
	args := make([]any, 0, len(data))
	for _, val := range data {
		args = append(args, val)
	}
	return args
}
