package state

import (
	"sync/atomic"
	"time"
)

type appState struct {
	ExecutorID atomic.Value // string
	StartedAt  atomic.Value // time.Time
	Version    atomic.Value // string
}

var s appState

func SetExecutorID(id string) { s.ExecutorID.Store(id) }
func GetExecutorID() string {
	if v := s.ExecutorID.Load(); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func SetVersion(v string) { s.Version.Store(v) }
func GetVersion() string {
	if v := s.Version.Load(); v != nil {
		if ver, ok := v.(string); ok {
			return ver
		}
	}
	return "dev"
}

// MarkStarted records the process start time used for uptime reporting.
func MarkStarted(t time.Time) { s.StartedAt.Store(t) }

func Uptime(now time.Time) time.Duration {
	if v := s.StartedAt.Load(); v != nil {
		if t, ok := v.(time.Time); ok {
			return now.Sub(t)
		}
	}
	return 0
}
