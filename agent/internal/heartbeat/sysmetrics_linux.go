//go:build linux

package heartbeat

import (
	"time"

	"fx-executor/agent/internal/wire"

	"golang.org/x/sys/unix"
)

const mb = 1024 * 1024

func readHost(m *wire.SystemMetrics) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		unit := uint64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		total := uint64(info.Totalram) * unit
		free := uint64(info.Freeram) * unit
		m.MemoryTotalMB = round2(float64(total) / mb)
		m.MemoryUsedMB = round2(float64(total-free) / mb)
		if total > 0 {
			m.MemoryPercent = round2(float64(total-free) / float64(total) * 100)
		}
	}
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		// Maxrss is reported in KiB on linux.
		m.ProcessRSSMB = round2(float64(ru.Maxrss) / 1024)
	}
}

func processCPU() (time.Duration, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), true
}
