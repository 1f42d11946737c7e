package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fx-executor/agent/internal/config"
	"fx-executor/agent/internal/wire"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedeliveredCommandAfterRestartIsNotQueued(t *testing.T) {
	var beats atomic.Int32
	pending := wire.HeartbeatResponse{PendingCommands: []wire.Descriptor{
		{ID: "done-1", Command: "OPEN", Parameters: json.RawMessage(`{"symbol":"EURUSD","side":"BUY","lots":0.1}`)},
		{ID: "fresh-1", Command: "OPEN", Parameters: json.RawMessage(`{"symbol":"EURUSD","side":"BUY","lots":0.1}`)},
	}}
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/heartbeat") {
			beats.Add(1)
			_ = json.NewEncoder(w).Encode(pending)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(platform.Close)

	redis, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(redis.Close)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Executor.ID = "exec-1"
	cfg.DBPath = filepath.Join(t.TempDir(), "agent.db")
	cfg.Platform.URL = platform.URL
	cfg.Platform.Timeout = time.Second
	cfg.Push.RedisURL = "redis://" + redis.Addr() + "/0"
	cfg.Terminal.URL = "ws://127.0.0.1:1/bridge"
	cfg.Heartbeat.Interval = 50 * time.Millisecond
	cfg.Operator.Listen = "127.0.0.1:0"

	a, err := New(cfg)
	require.NoError(t, err)
	done := time.Now().Add(-time.Minute)
	require.NoError(t, a.journal.RecordTerminal(wire.Result{CommandID: "done-1", Command: "OPEN", Status: "EXECUTED", Attempts: 1, ReceivedVia: "PUSH", CompletedAt: done}))
	require.NoError(t, a.journal.RecordAcked("done-1", done))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return beats.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	// the terminal is unreachable, so the new command waits in the queue
	assert.Equal(t, 1, a.commands.QueueDepth())

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}
