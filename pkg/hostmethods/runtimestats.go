// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package hostmethods

import (
	"os"
	"runtime"
	"time"

	"github.com/outrigdev/framerpc/pkg/rpctypes"
	"github.com/shirou/gopsutil/v4/process"
)

// CollectRuntimeStats samples the host process. CPU usage may read 0 on the first
// sample after startup.
func CollectRuntimeStats() rpctypes.RuntimeStatsData {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pid := os.Getpid()
	cwd, _ := os.Getwd()
	var cpuPercent float64
	var rss uint64
	proc, err := process.NewProcess(int32(pid))
	if err == nil {
		cpuPercent, _ = proc.CPUPercent()
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			rss = memInfo.RSS
		}
	}

	return rpctypes.RuntimeStatsData{
		Ts:             time.Now().UnixMilli(),
		CPUUsage:       cpuPercent,
		RSS:            rss,
		GoRoutineCount: runtime.NumGoroutine(),
		GoMaxProcs:     runtime.GOMAXPROCS(0),
		NumCPU:         runtime.NumCPU(),
		GOOS:           runtime.GOOS,
		GOARCH:         runtime.GOARCH,
		GoVersion:      runtime.Version(),
		Pid:            pid,
		Cwd:            cwd,
		MemStats: rpctypes.MemStatsInfo{
			Alloc:        memStats.Alloc,
			TotalAlloc:   memStats.TotalAlloc,
			Sys:          memStats.Sys,
			HeapAlloc:    memStats.HeapAlloc,
			HeapObjects:  memStats.HeapObjects,
			NumGC:        memStats.NumGC,
			PauseTotalNs: memStats.PauseTotalNs,
		},
	}
}
