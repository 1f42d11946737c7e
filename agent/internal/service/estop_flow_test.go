package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"fx-executor/agent/internal/command"
	"fx-executor/agent/internal/estop"
	"fx-executor/agent/internal/safety"
	"fx-executor/agent/internal/terminal"
	"fx-executor/agent/internal/wire"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowTerminal holds every dispatch until release is signalled.
type slowTerminal struct {
	release chan struct{}
	mu      sync.Mutex
	order   []string
}

func (s *slowTerminal) Dispatch(ctx context.Context, id, kind string, payload json.RawMessage) (terminal.Outcome, error) {
	s.mu.Lock()
	s.order = append(s.order, kind)
	s.mu.Unlock()
	select {
	case <-s.release:
		return terminal.Outcome{Raw: json.RawMessage(`{}`)}, nil
	case <-ctx.Done():
		return terminal.Outcome{}, terminal.ErrTimeout
	}
}

func (s *slowTerminal) Lookup(ctx context.Context, id string) (terminal.Outcome, bool, error) {
	return terminal.Outcome{}, false, nil
}

func (s *slowTerminal) Account(ctx context.Context) (safety.AccountState, error) {
	return safety.AccountState{Balance: 1000, Equity: 1000}, nil
}

func (s *slowTerminal) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type recordingSink struct {
	mu      sync.Mutex
	results map[string]wire.Result
}

func (r *recordingSink) Name() string { return "rest" }

func (r *recordingSink) ReportResult(ctx context.Context, res wire.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.CommandID] = res
	return nil
}

func (r *recordingSink) status(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id].Status
}

func TestEmergencyStopEndToEnd(t *testing.T) {
	term := &slowTerminal{release: make(chan struct{})}
	sink := &recordingSink{results: map[string]wire.Result{}}
	svc := command.New(command.Options{RetryBase: time.Millisecond, DispatchTimeout: 5 * time.Second}, command.Deps{
		Terminal: term,
		Gate:     safety.New(safety.Limits{}),
		Reporter: command.NewReporter([]command.Sink{sink}, 1, 0, time.Second, nil, zerolog.Nop()),
		Log:      zerolog.Nop(),
	})
	coord := estop.New("exec-1", svc, nil, nil, nil, zerolog.Nop())
	svc.SetEmergencySignal(coord)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	open := func(id string) command.Command {
		return command.Command{ID: id, Kind: command.KindOpen, Payload: json.RawMessage(`{"symbol":"EURUSD","side":"BUY","lots":0.1}`)}
	}
	require.NoError(t, svc.Submit(open("first")))
	require.Eventually(t, func() bool { return len(term.kinds()) == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Submit(open(fmt.Sprintf("q%d", i))))
	}

	require.NoError(t, coord.Trip(command.TripOperator, "drill"))
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("q%d", i)
		require.Eventually(t, func() bool { return sink.status(id) == "CANCELLED" }, time.Second, time.Millisecond)
	}
	assert.ErrorIs(t, svc.Submit(open("blocked")), command.ErrEmergencyStop)
	assert.ErrorIs(t, coord.Reset(), estop.ErrResetNotAllowed)

	term.release <- struct{}{}
	term.release <- struct{}{}
	require.Eventually(t, func() bool { return coord.Status().State == estop.Acknowledged }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"OPEN", "CLOSE_ALL"}, term.kinds())
	assert.Equal(t, "EXECUTED", sink.status(coord.Status().CloseAllID))

	assert.ErrorIs(t, svc.Submit(open("still-blocked")), command.ErrEmergencyStop)
	require.NoError(t, coord.Reset())
	require.NoError(t, svc.Submit(open("resumed")))
	term.release <- struct{}{}
	require.Eventually(t, func() bool { return sink.status("resumed") == "EXECUTED" }, time.Second, time.Millisecond)
}
