//go:build !linux

package heartbeat

import (
	"runtime"
	"time"

	"fx-executor/agent/internal/wire"
)

func readHost(m *wire.SystemMetrics) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.ProcessRSSMB = round2(float64(ms.Sys) / (1024 * 1024))
}

func processCPU() (time.Duration, bool) { return 0, false }
