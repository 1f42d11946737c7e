package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fx-executor/agent/internal/auth"
	"fx-executor/agent/internal/config"
	"fx-executor/agent/internal/wire"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	t         *testing.T
	mu        sync.Mutex
	calls     []string
	registers atomic.Int32
	bodies    map[string]json.RawMessage
	pending   []wire.Descriptor
}

func (f *fakePlatform) handler() http.Handler {
	signer := auth.NewSigner("exec-1", "key", "secret")
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.bodies[r.Method+" "+r.URL.Path] = raw
		f.mu.Unlock()
	}
	check := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(auth.HeaderAPIKey) != "key" || r.Header.Get(auth.HeaderExecutorID) != "exec-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			tok := r.Header.Get("Authorization")
			if len(tok) < 7 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if _, err := signer.Parse(tok[7:]); err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			record(r)
			next(w, r)
		}
	}
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

	mux.HandleFunc("GET /api/executor/exec-1/ping", check(ok))
	mux.HandleFunc("POST /api/executor/exec-1/register", check(func(w http.ResponseWriter, r *http.Request) {
		f.registers.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	mux.HandleFunc("POST /api/executor/exec-1/heartbeat", check(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wire.HeartbeatResponse{PendingCommands: f.pending})
	}))
	mux.HandleFunc("GET /api/executor/exec-1/commands/pending", check(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wire.PendingCommands{Commands: f.pending})
	}))
	mux.HandleFunc("POST /api/executor/exec-1/command/{id}/result", check(ok))
	mux.HandleFunc("POST /api/executor/exec-1/trade", check(ok))
	mux.HandleFunc("POST /api/executor/exec-1/trade/{ticket}/close", check(ok))
	mux.HandleFunc("POST /api/executor/exec-1/alerts/safety", check(ok))
	mux.HandleFunc("POST /api/executor/exec-1/errors", check(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage down", http.StatusServiceUnavailable)
	}))
	mux.HandleFunc("PATCH /api/executor/exec-1/status", check(ok))
	return mux
}

func newClient(t *testing.T) (*Client, *fakePlatform, *httptest.Server) {
	t.Helper()
	fp := &fakePlatform{t: t, bodies: map[string]json.RawMessage{}}
	srv := httptest.NewServer(fp.handler())
	t.Cleanup(srv.Close)
	c := New(config.Platform{URL: srv.URL, Timeout: 2 * time.Second},
		config.Executor{ID: "exec-1", APIKey: "key", APISecret: "secret"}, zerolog.Nop())
	return c, fp, srv
}

func TestConnectRegistersOnce(t *testing.T) {
	c, fp, _ := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.EqualValues(t, 1, fp.registers.Load())

	var reg wire.Registration
	require.NoError(t, json.Unmarshal(fp.bodies["POST /api/executor/exec-1/register"], &reg))
	assert.Equal(t, "exec-1", reg.ExecutorID)
	assert.NotEmpty(t, reg.OS)
}

func TestHeartbeatReturnsPendingCommands(t *testing.T) {
	c, fp, _ := newClient(t)
	fp.pending = []wire.Descriptor{{ID: "p1", Command: "PING"}}

	got, err := c.SendHeartbeat(context.Background(), wire.HeartbeatReport{ExecutorID: "exec-1", QueueDepth: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)

	polled, err := c.PendingCommands(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fp.pending, polled)
}

func TestReportEndpoints(t *testing.T) {
	c, fp, _ := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.ReportResult(ctx, wire.Result{CommandID: "cmd-1", Status: "EXECUTED"}))
	require.NoError(t, c.ReportTrade(ctx, wire.Trade{Ticket: "77"}))
	require.NoError(t, c.ReportTradeClose(ctx, "77", wire.TradeClose{Profit: 12.5}))
	require.NoError(t, c.ReportSafetyAlert(ctx, wire.SafetyAlert{Reasons: []string{"lot size"}}))
	require.NoError(t, c.PatchStatus(ctx, wire.StatusPatch{Status: "emergency_stop"}))

	fp.mu.Lock()
	assert.Equal(t, []string{
		"POST /api/executor/exec-1/command/cmd-1/result",
		"POST /api/executor/exec-1/trade",
		"POST /api/executor/exec-1/trade/77/close",
		"POST /api/executor/exec-1/alerts/safety",
		"PATCH /api/executor/exec-1/status",
	}, fp.calls)
	fp.mu.Unlock()
}

func TestStatusErrorDoesNotSignalLoss(t *testing.T) {
	c, _, _ := newClient(t)
	var lost atomic.Int32
	c.OnLost(func(error) { lost.Add(1) })

	err := c.ReportError(context.Background(), wire.ErrorReport{Message: "x"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Contains(t, se.Body, "storage down")
	assert.Zero(t, lost.Load())
}

func TestTransportFailureSignalsLoss(t *testing.T) {
	c, _, srv := newClient(t)
	var lost atomic.Int32
	c.OnLost(func(error) { lost.Add(1) })
	srv.Close()

	assert.Error(t, c.Ping(context.Background()))
	assert.EqualValues(t, 1, lost.Load())
}
