package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fx-executor/agent/internal/command"
	"fx-executor/agent/internal/connection"
	"fx-executor/agent/internal/safety"
	"fx-executor/agent/internal/wire"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeREST struct {
	fail    atomic.Bool
	beats   atomic.Int32
	polls   atomic.Int32
	pending []wire.Descriptor
}

func (f *fakeREST) SendHeartbeat(ctx context.Context, rep wire.HeartbeatReport) ([]wire.Descriptor, error) {
	f.beats.Add(1)
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return f.pending, nil
}

func (f *fakeREST) PendingCommands(ctx context.Context) ([]wire.Descriptor, error) {
	f.polls.Add(1)
	return f.pending, nil
}

type fakePush struct {
	mu   sync.Mutex
	reps []wire.HeartbeatReport
}

func (f *fakePush) SendHeartbeat(ctx context.Context, rep wire.HeartbeatReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reps = append(f.reps, rep)
	return nil
}

func (f *fakePush) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reps)
}

type fakeLinks struct {
	connected map[connection.Channel]bool
}

func (l fakeLinks) States() []connection.ConnectionState {
	var out []connection.ConnectionState
	for _, ch := range connection.Channels {
		st := connection.Disconnected
		if l.connected[ch] {
			st = connection.Connected
		}
		out = append(out, connection.ConnectionState{Channel: ch, State: st})
	}
	return out
}

func (l fakeLinks) IsConnected(ch connection.Channel) bool { return l.connected[ch] }

type fakeCommands struct {
	mu        sync.Mutex
	submitted []string
	flushes   int
	// when set, FlushOutbox blocks until it is closed or ctx ends
	hold chan struct{}
}

func (f *fakeCommands) SubmitDescriptor(d wire.Descriptor, via command.Via) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.submitted {
		if id == d.ID {
			return command.ErrDuplicate
		}
	}
	if via != command.ViaPoll {
		return errors.New("unexpected via " + string(via))
	}
	f.submitted = append(f.submitted, d.ID)
	return nil
}

func (f *fakeCommands) FlushOutbox(ctx context.Context) int {
	f.mu.Lock()
	f.flushes++
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
		return 5
	}
	return 0
}

func (f *fakeCommands) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func (f *fakeCommands) QueueDepth() int { return 3 }
func (f *fakeCommands) Accepting() bool { return true }

type fakeAccount struct{}

func (fakeAccount) Account(ctx context.Context) (safety.AccountState, error) {
	return safety.AccountState{Balance: 5000, Equity: 4900, OpenPositions: 2}, nil
}

func newService(rest *fakeREST, push *fakePush, links fakeLinks, cmds *fakeCommands, opts Options) *Service {
	opts.ExecutorID = "exec-1"
	return New(opts, Deps{
		REST:           rest,
		Push:           push,
		Links:          links,
		Commands:       cmds,
		Terminal:       fakeAccount{},
		EmergencyState: func() string { return "ARMED" },
		Log:            zerolog.Nop(),
	})
}

func TestTickSubmitsPendingAsPoll(t *testing.T) {
	rest := &fakeREST{pending: []wire.Descriptor{{ID: "a"}, {ID: "b"}}}
	cmds := &fakeCommands{}
	s := newService(rest, &fakePush{}, fakeLinks{}, cmds, Options{Interval: time.Minute})

	out := s.Tick(context.Background())
	assert.NoError(t, out.RESTErr)
	assert.NoError(t, out.PushErr)
	assert.False(t, out.Partial())
	assert.Equal(t, 2, out.Submitted)

	require.Eventually(t, func() bool { return !s.flushing.Load() }, time.Second, time.Millisecond)
	out = s.Tick(context.Background())
	assert.Equal(t, 0, out.Submitted, "redelivered commands are duplicates")
	assert.Equal(t, []string{"a", "b"}, cmds.submitted)
	require.Eventually(t, func() bool { return cmds.flushCount() == 2 }, time.Second, time.Millisecond)
}

func TestSlowOutboxFlushDoesNotDelayTicks(t *testing.T) {
	push := &fakePush{}
	cmds := &fakeCommands{hold: make(chan struct{})}
	s := newService(&fakeREST{}, push, fakeLinks{}, cmds, Options{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return push.count() >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, cmds.flushCount(), "one flush at a time")

	close(cmds.hold)
	require.Eventually(t, func() bool { return s.unsent.Load() == 5 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return cmds.flushCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRESTFailureStillSendsPush(t *testing.T) {
	rest := &fakeREST{}
	rest.fail.Store(true)
	push := &fakePush{}
	s := newService(rest, push, fakeLinks{}, &fakeCommands{}, Options{Interval: time.Minute})

	out := s.Tick(context.Background())
	assert.Error(t, out.RESTErr)
	assert.NoError(t, out.PushErr)
	assert.True(t, out.Partial())
	assert.Equal(t, 1, push.count())
}

func TestTicksContinueOnScheduleWhileRESTFails(t *testing.T) {
	rest := &fakeREST{}
	rest.fail.Store(true)
	push := &fakePush{}
	s := newService(rest, push, fakeLinks{}, &fakeCommands{}, Options{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return push.count() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, int(rest.beats.Load()), 4)
}

func TestReportOmitsTerminalUnlessConnected(t *testing.T) {
	cmds := &fakeCommands{}
	down := newService(&fakeREST{}, &fakePush{}, fakeLinks{}, cmds, Options{})
	rep := down.Report(context.Background())
	assert.Nil(t, rep.TerminalStatus)
	assert.Len(t, rep.ConnectionSummary, len(connection.Channels))
	assert.Equal(t, "ARMED", rep.EmergencyStop)
	assert.Equal(t, 3, rep.QueueDepth)
	assert.True(t, rep.AcceptingPendingCommands)

	up := newService(&fakeREST{}, &fakePush{}, fakeLinks{connected: map[connection.Channel]bool{connection.ChannelTerminal: true}}, cmds, Options{})
	rep = up.Report(context.Background())
	require.NotNil(t, rep.TerminalStatus)
	assert.Equal(t, 4900.0, rep.TerminalStatus.Equity)
	assert.Equal(t, 2, rep.TerminalStatus.OpenPositionCount)
}

func TestFallbackPollOnlyWhilePushDown(t *testing.T) {
	rest := &fakeREST{pending: []wire.Descriptor{{ID: "p1"}}}
	cmds := &fakeCommands{}
	s := newService(rest, &fakePush{}, fakeLinks{}, cmds, Options{Interval: time.Hour, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	require.Eventually(t, func() bool { return rest.polls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	rest2 := &fakeREST{}
	s2 := newService(rest2, &fakePush{}, fakeLinks{connected: map[connection.Channel]bool{connection.ChannelPush: true}}, &fakeCommands{}, Options{Interval: time.Hour, PollInterval: 10 * time.Millisecond})
	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() { _ = s2.Run(ctx2) }()
	time.Sleep(60 * time.Millisecond)
	cancel2()
	assert.Zero(t, rest2.polls.Load())
}

func TestSamplerReportsGoroutines(t *testing.T) {
	var s Sampler
	first := s.Sample()
	assert.Positive(t, first.Goroutines)
	second := s.Sample()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}
