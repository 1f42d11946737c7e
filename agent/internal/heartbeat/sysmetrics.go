package heartbeat

import (
	"runtime"
	"sync"
	"time"

	"fx-executor/agent/internal/wire"
)

// Sampler produces host and process metrics for the heartbeat. CPU is the
// process's share of one core since the previous sample.
type Sampler struct {
	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

func (s *Sampler) Sample() wire.SystemMetrics {
	m := wire.SystemMetrics{Goroutines: runtime.NumGoroutine()}
	readHost(&m)

	cpu, ok := processCPU()
	if !ok {
		return m
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastWall.IsZero() {
		if wall := now.Sub(s.lastWall); wall > 0 {
			m.CPUPercent = round2(float64(cpu-s.lastCPU) / float64(wall) * 100)
		}
	}
	s.lastCPU, s.lastWall = cpu, now
	return m
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
