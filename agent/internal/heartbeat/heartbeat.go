// Package heartbeat reports liveness to the control plane and picks up commands
// the push channel may have missed.
package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"fx-executor/agent/internal/command"
	"fx-executor/agent/internal/connection"
	"fx-executor/agent/internal/metrics"
	"fx-executor/agent/internal/safety"
	"fx-executor/agent/internal/state"
	"fx-executor/agent/internal/wire"

	"github.com/rs/zerolog"
)

// RESTSender posts a heartbeat and returns the pending commands listed in the reply.
type RESTSender interface {
	SendHeartbeat(ctx context.Context, rep wire.HeartbeatReport) ([]wire.Descriptor, error)
	PendingCommands(ctx context.Context) ([]wire.Descriptor, error)
}

type PushSender interface {
	SendHeartbeat(ctx context.Context, rep wire.HeartbeatReport) error
}

type Links interface {
	States() []connection.ConnectionState
	IsConnected(ch connection.Channel) bool
}

type Commands interface {
	SubmitDescriptor(d wire.Descriptor, via command.Via) error
	FlushOutbox(ctx context.Context) int
	QueueDepth() int
	Accepting() bool
}

type Account interface {
	Account(ctx context.Context) (safety.AccountState, error)
}

type Options struct {
	ExecutorID   string
	Interval     time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
}

type Deps struct {
	REST     RESTSender
	Push     PushSender
	Links    Links
	Commands Commands
	Terminal Account
	// EmergencyState reports the coordinator state for the report.
	EmergencyState func() string
	Log            zerolog.Logger
}

// Outcome summarises one tick. Unsent is the outbox size left by the most
// recently finished flush.
type Outcome struct {
	RESTErr   error
	PushErr   error
	Submitted int
	Unsent    int
}

// Partial reports whether exactly one channel delivered the heartbeat.
func (o Outcome) Partial() bool { return (o.RESTErr == nil) != (o.PushErr == nil) }

type Service struct {
	opts    Options
	deps    Deps
	sampler Sampler
	now     func() time.Time

	flushing atomic.Bool
	unsent   atomic.Int64
}

func New(opts Options, deps Deps) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Timeout <= 0 || opts.Timeout > opts.Interval {
		opts.Timeout = opts.Interval
	}
	return &Service{opts: opts, deps: deps, now: time.Now}
}

// Run ticks every Interval until ctx ends, and polls for pending commands every
// PollInterval while the push channel is down.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	var poll <-chan time.Time
	if s.opts.PollInterval > 0 {
		pt := time.NewTicker(s.opts.PollInterval)
		defer pt.Stop()
		poll = pt.C
	}

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		case <-poll:
			if s.deps.Links != nil && !s.deps.Links.IsConnected(connection.ChannelPush) {
				s.Poll(ctx)
			}
		}
	}
}

// Tick sends one heartbeat on both channels, submits the commands returned by REST
// and retries unreported results. A failure on one channel never blocks the other.
func (s *Service) Tick(ctx context.Context) Outcome {
	var out Outcome
	rep := s.Report(ctx)

	tctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	pending, err := s.deps.REST.SendHeartbeat(tctx, rep)
	cancel()
	out.RESTErr = err
	metrics.IncHeartbeat(string(connection.ChannelREST), err == nil)
	if err != nil {
		s.deps.Log.Warn().Err(err).Msg("heartbeat over REST failed")
	}

	if s.deps.Push != nil {
		pctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		out.PushErr = s.deps.Push.SendHeartbeat(pctx, rep)
		cancel()
		metrics.IncHeartbeat(string(connection.ChannelPush), out.PushErr == nil)
		if out.PushErr != nil {
			s.deps.Log.Warn().Err(out.PushErr).Msg("heartbeat over push failed")
		}
	} else {
		out.PushErr = errors.New("push channel not configured")
	}

	out.Submitted = s.submit(pending)
	s.flush(ctx)
	out.Unsent = int(s.unsent.Load())

	ev := s.deps.Log.Debug()
	if out.Partial() {
		ev = s.deps.Log.Info()
	}
	ev.Bool("rest", out.RESTErr == nil).Bool("push", out.PushErr == nil).
		Int("pending", len(pending)).Int("unsent_results", out.Unsent).Msg("heartbeat sent")
	return out
}

// flush retries unreported results off the ticker goroutine. At most one flush
// runs at a time; a tick that finds one still running skips it.
func (s *Service) flush(ctx context.Context) {
	if !s.flushing.CompareAndSwap(false, true) {
		s.deps.Log.Debug().Msg("outbox flush still running, skipped")
		return
	}
	go func() {
		defer s.flushing.Store(false)
		s.unsent.Store(int64(s.deps.Commands.FlushOutbox(ctx)))
	}()
}

// Poll fetches pending commands over REST and submits them.
func (s *Service) Poll(ctx context.Context) int {
	tctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	pending, err := s.deps.REST.PendingCommands(tctx)
	if err != nil {
		s.deps.Log.Warn().Err(err).Msg("fallback poll failed")
		return 0
	}
	return s.submit(pending)
}

func (s *Service) submit(pending []wire.Descriptor) int {
	n := 0
	for _, d := range pending {
		err := s.deps.Commands.SubmitDescriptor(d, command.ViaPoll)
		switch {
		case err == nil:
			n++
		case errors.Is(err, command.ErrDuplicate):
		default:
			s.deps.Log.Warn().Err(err).Str("command_id", d.ID).Msg("pending command not accepted")
		}
	}
	return n
}

// Report assembles the heartbeat payload. Terminal figures are included only while
// the terminal link is connected.
func (s *Service) Report(ctx context.Context) wire.HeartbeatReport {
	now := s.now().UTC()
	rep := wire.HeartbeatReport{
		ExecutorID:               s.opts.ExecutorID,
		Timestamp:                now,
		UptimeSeconds:            int64(state.Uptime(now).Seconds()),
		SystemMetrics:            s.sampler.Sample(),
		AcceptingPendingCommands: s.deps.Commands.Accepting(),
		QueueDepth:               s.deps.Commands.QueueDepth(),
		ConnectionSummary:        []wire.ChannelSummary{},
	}
	if s.deps.EmergencyState != nil {
		rep.EmergencyStop = s.deps.EmergencyState()
	}
	if s.deps.Links == nil {
		return rep
	}
	for _, st := range s.deps.Links.States() {
		cs := wire.ChannelSummary{
			Channel:   string(st.Channel),
			State:     string(st.State),
			Attempt:   st.Attempt,
			LastError: st.LastError,
		}
		if !st.NextRetryAt.IsZero() {
			t := st.NextRetryAt
			cs.NextRetryAt = &t
		}
		rep.ConnectionSummary = append(rep.ConnectionSummary, cs)
	}
	if s.deps.Terminal != nil && s.deps.Links.IsConnected(connection.ChannelTerminal) {
		actx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		acct, err := s.deps.Terminal.Account(actx)
		cancel()
		if err != nil {
			s.deps.Log.Warn().Err(err).Msg("terminal status unavailable for heartbeat")
		} else {
			rep.TerminalStatus = &wire.TerminalStatus{
				Balance:           acct.Balance,
				Equity:            acct.Equity,
				OpenPositionCount: acct.OpenPositions,
			}
		}
	}
	return rep
}
