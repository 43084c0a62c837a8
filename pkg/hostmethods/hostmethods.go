// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package hostmethods is the method set the framerpc host exposes to its guests.
package hostmethods

import (
	"context"
	"fmt"
	"time"

	"github.com/outrigdev/framerpc/pkg/rpc"
	"github.com/outrigdev/framerpc/pkg/rpctypes"
	"github.com/sirupsen/logrus"
)

// MaxDelay caps DelayCommand so a guest cannot park a handler indefinitely.
const MaxDelay = 60 * time.Second

type HostImpl struct {
	Log *logrus.Entry
}

var _ rpctypes.FullRpcInterface = (*HostImpl)(nil)

func (h *HostImpl) logger() *logrus.Entry {
	if h.Log != nil {
		return h.Log
	}
	return logrus.WithField("component", "hostmethods")
}

func (*HostImpl) AddCommand(ctx context.Context, data []float64) (float64, error) {
	var sum float64
	for _, val := range data {
		sum += val
	}
	return sum, nil
}

func (*HostImpl) EchoCommand(ctx context.Context, data any) (any, error) {
	return data, nil
}

func (h *HostImpl) NoopCommand(ctx context.Context) error {
	h.logger().Debugf("[hostmethods] noop from %s", rpc.GetCallOriginFromContext(ctx))
	return nil
}

// DelayCommand replies with data.Reply after data.Ms milliseconds. It gives up early
// (with ctx's error) when the server is disposed.
func (*HostImpl) DelayCommand(ctx context.Context, data rpctypes.DelayData) (string, error) {
	if data.Ms < 0 {
		return "", fmt.Errorf("invalid delay %dms", data.Ms)
	}
	delay := time.Duration(data.Ms) * time.Millisecond
	if delay > MaxDelay {
		delay = MaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return data.Reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (*HostImpl) RuntimeStatsCommand(ctx context.Context) (rpctypes.RuntimeStatsData, error) {
	return CollectRuntimeStats(), nil
}

// Register adds every host command to reg and returns the registered names.
func Register(reg rpc.Registrar, log *logrus.Entry) ([]string, error) {
	return rpc.RegisterImpl(reg, &HostImpl{Log: log})
}
