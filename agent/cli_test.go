package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fx-executor/agent/internal/connection"
	"fx-executor/agent/internal/estop"
	"fx-executor/agent/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append([]string{"--api", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(service.StatusView{
			ExecutorID:    "exec-1",
			Version:       "1.2.0",
			UptimeSeconds: 90,
			Connections: []connection.ConnectionState{
				{Channel: connection.ChannelTerminal, State: connection.Backoff, Attempt: 2, LastError: "refused"},
			},
			EmergencyStop: estop.Status{State: estop.Armed},
			QueueDepth:    4,
			Accepting:     true,
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "executor exec-1 (1.2.0), up 1m30s")
	assert.Contains(t, out, "last_error=refused")
	assert.Contains(t, out, "emergency stop: ARMED")
	assert.Contains(t, out, "queue depth: 4")
}

func TestEstopResetSendsPin(t *testing.T) {
	var gotPin string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPin = r.Header.Get(service.HeaderOperatorPin)
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "ARMED"})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv, "estop", "reset", "--pin", "4321")
	require.NoError(t, err)
	assert.Equal(t, "4321", gotPin)
	assert.Contains(t, out, "emergency stop ARMED")
}

func TestCancelSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "command already executing or finished"})
	}))
	defer srv.Close()

	_, err := runCLI(t, srv, "cancel", "cmd-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executing")
}
