// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpctypes

import (
	"context"
	"encoding/json"
)

// HandshakeMessage is sent by the server once the guest context has loaded.
// It has no structured payload.
const HandshakeMessage = "init"

const (
	Command_Add          = "add"
	Command_Echo         = "echo"
	Command_Noop         = "noop"
	Command_Delay        = "delay"
	Command_RuntimeStats = "runtimestats"
)

type RequestMessage struct {
	MethodId int64  `json:"methodId"`
	Fn       string `json:"fn"`
	Args     []any  `json:"args"`
}

// ResponseMessage carries the result of exactly one request.
// A nil Result is omitted on the wire and read back as undefined.
// Error is only set by servers running a reply-error failure policy.
type ResponseMessage struct {
	MethodId int64  `json:"methodId"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IncomingResponse is the client-side decoding of ResponseMessage.
// Result stays raw so callers can decode it into their own types.
type IncomingResponse struct {
	MethodId *int64          `json:"methodId"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// IncomingRequest is the server-side decoding of RequestMessage.
// MethodId is a pointer so a missing id can be told apart from id 0.
type IncomingRequest struct {
	MethodId *int64 `json:"methodId"`
	Fn       string `json:"fn"`
	Args     []any  `json:"args"`
}

// FullRpcInterface is the method set exposed by the bundled host.
// Command names are the lower-cased method names without the Command suffix.
type FullRpcInterface interface {
	AddCommand(ctx context.Context, data []float64) (float64, error)
	EchoCommand(ctx context.Context, data any) (any, error)
	NoopCommand(ctx context.Context) error
	DelayCommand(ctx context.Context, data DelayData) (string, error)
	RuntimeStatsCommand(ctx context.Context) (RuntimeStatsData, error)
}

type DelayData struct {
	Ms    int64  `json:"ms"`
	Reply string `json:"reply"`
}

type MemStatsInfo struct {
	Alloc        uint64 `json:"alloc"`
	TotalAlloc   uint64 `json:"totalalloc"`
	Sys          uint64 `json:"sys"`
	HeapAlloc    uint64 `json:"heapalloc"`
	HeapObjects  uint64 `json:"heapobjects"`
	NumGC        uint32 `json:"numgc"`
	PauseTotalNs uint64 `json:"pausetotalns"`
}

type RuntimeStatsData struct {
	Ts             int64        `json:"ts"`
	CPUUsage       float64      `json:"cpuusage"`
	RSS            uint64       `json:"rss,omitempty"`
	GoRoutineCount int          `json:"goroutinecount"`
	GoMaxProcs     int          `json:"gomaxprocs"`
	NumCPU         int          `json:"numcpu"`
	GOOS           string       `json:"goos"`
	GOARCH         string       `json:"goarch"`
	GoVersion      string       `json:"goversion"`
	Pid            int          `json:"pid"`
	Cwd            string       `json:"cwd,omitempty"`
	MemStats       MemStatsInfo `json:"memstats"`
}
