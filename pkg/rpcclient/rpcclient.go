// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Generated Code. DO NOT EDIT.

package rpcclient

import (
	"context"
	"github.com/outrigdev/framerpc/pkg/rpc"
	"github.com/outrigdev/framerpc/pkg/rpctypes"
)

// command "add", rpctypes.AddCommand
func AddCommand(ctx context.Context, c *rpc.Client, data []float64) (float64, error) {
	resp, err := SendRpcRequestCallHelper[float64](ctx, c, "add", ArgsFromSlice(data))
	return resp, err
}

// command "delay", rpctypes.DelayCommand
func DelayCommand(ctx context.Context, c *rpc.Client, data rpctypes.DelayData) (string, error) {
	resp, err := SendRpcRequestCallHelper[string](ctx, c, "delay", []any{data})
	return resp, err
}

// command "echo", rpctypes.EchoCommand
func EchoCommand(ctx context.Context, c *rpc.Client, data any) (any, error) {
	resp, err := SendRpcRequestCallHelper[any](ctx, c, "echo", []any{data})
	return resp, err
}

// command "noop", rpctypes.NoopCommand
func NoopCommand(ctx context.Context, c *rpc.Client) error {
	_, err := SendRpcRequestCallHelper[any](ctx, c, "noop", nil)
	return err
}

// command "runtimestats", rpctypes.RuntimeStatsCommand
func RuntimeStatsCommand(ctx context.Context, c *rpc.Client) (rpctypes.RuntimeStatsData, error) {
	resp, err := SendRpcRequestCallHelper[rpctypes.RuntimeStatsData](ctx, c, "runtimestats", nil)
	return resp, err
}

var CommandNames = []string{
	"add",
	"delay",
	"echo",
	"noop",
	"runtimestats",
}
