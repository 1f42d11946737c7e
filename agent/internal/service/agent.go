// Package service assembles the executor agent and runs its tasks.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fx-executor/agent/internal/command"
	"fx-executor/agent/internal/config"
	"fx-executor/agent/internal/connection"
	"fx-executor/agent/internal/db"
	"fx-executor/agent/internal/estop"
	"fx-executor/agent/internal/events"
	"fx-executor/agent/internal/heartbeat"
	"fx-executor/agent/internal/logger"
	"fx-executor/agent/internal/platform"
	"fx-executor/agent/internal/push"
	"fx-executor/agent/internal/safety"
	"fx-executor/agent/internal/terminal"
	"fx-executor/agent/internal/wire"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const pruneEvery = time.Hour

// Agent owns every long-running task of the executor.
type Agent struct {
	cfg config.Config
	log zerolog.Logger

	bus      *events.Bus
	journal  *db.Journal
	conns    *connection.Manager
	term     *terminal.Link
	rest     *platform.Client
	push     *push.Client
	gate     *safety.Gate
	commands *command.Service
	estop    *estop.Coordinator
	beats    *heartbeat.Service
	api      *API
}

func New(cfg config.Config) (*Agent, error) {
	if cfg.Executor.ID == "" {
		return nil, errors.New("executor.id is required")
	}
	log := logger.With("agent")

	gdb, err := db.Init(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		log:     log,
		bus:     events.NewBus(1024, logger.With("bus")),
		journal: db.NewJournal(gdb),
		gate:    safety.New(safety.LimitsFromConfig(cfg.Safety)),
	}

	policy := connection.Policy{
		Initial:        cfg.Backoff.Initial,
		Max:            cfg.Backoff.Max,
		Multiplier:     cfg.Backoff.Multiplier,
		MaxAttempts:    cfg.Backoff.MaxAttempts,
		WarnAfter:      cfg.Backoff.WarnAfter,
		ConnectTimeout: connection.DefaultPolicy().ConnectTimeout,
	}
	a.conns = connection.NewManager(policy, a.bus, logger.With("connection"))

	a.rest = platform.New(cfg.Platform, cfg.Executor, logger.With("rest"))
	a.push = push.New(cfg.Push, cfg.Executor.ID, logger.With("push"))
	a.term = terminal.New(cfg.Terminal.URL, logger.With("terminal"))
	a.rest.OnLost(func(err error) { a.conns.OnDisconnect(connection.ChannelREST, err) })
	a.push.OnLost(func(err error) { a.conns.OnDisconnect(connection.ChannelPush, err) })
	a.term.OnLost(func(err error) { a.conns.OnDisconnect(connection.ChannelTerminal, err) })
	a.conns.Register(connection.ChannelREST, a.rest)
	a.conns.Register(connection.ChannelPush, a.push)
	a.conns.Register(connection.ChannelTerminal, a.term)

	reporter := command.NewReporter(
		[]command.Sink{a.rest, a.push},
		cfg.Commands.ReportAttempts,
		cfg.Commands.ReportRetry,
		cfg.Platform.Timeout,
		a.bus,
		logger.With("reporter"),
	)
	a.commands = command.New(command.Options{
		ExecutorID:      cfg.Executor.ID,
		MaxAttempts:     cfg.Commands.MaxAttempts,
		RetryBase:       cfg.Commands.RetryBase,
		RetryMax:        cfg.Commands.RetryMax,
		DispatchTimeout: cfg.Terminal.DispatchTimeout,
		NotifyTimeout:   cfg.Platform.Timeout,
		DedupCapacity:   cfg.Commands.DedupCapacity,
		DedupGrace:      cfg.Commands.DedupGrace,
	}, command.Deps{
		Terminal: a.term,
		Gate:     a.gate,
		Reporter: reporter,
		Notifier: a.rest,
		Journal:  a.journal,
		Links:    a.conns,
		Bus:      a.bus,
		Log:      logger.With("commands"),
	})
	a.push.OnCommand(func(d wire.Descriptor) {
		if err := a.commands.SubmitDescriptor(d, command.ViaPush); err != nil && !errors.Is(err, command.ErrDuplicate) {
			a.log.Warn().Err(err).Str("command_id", d.ID).Msg("pushed command not accepted")
		}
	})

	a.estop = estop.New(cfg.Executor.ID, a.commands, a.conns, statusFanout{rest: a.rest, push: a.push}, a.bus, logger.With("estop"))
	a.commands.SetEmergencySignal(a.estop)

	a.beats = heartbeat.New(heartbeat.Options{
		ExecutorID:   cfg.Executor.ID,
		Interval:     cfg.Heartbeat.Interval,
		PollInterval: cfg.Heartbeat.PollInterval,
		Timeout:      cfg.Platform.Timeout,
	}, heartbeat.Deps{
		REST:           a.rest,
		Push:           a.push,
		Links:          a.conns,
		Commands:       a.commands,
		Terminal:       a.term,
		EmergencyState: func() string { return string(a.estop.Status().State) },
		Log:            logger.With("heartbeat"),
	})
	a.api = NewAPI(a.conns, a.estop, a.commands, cfg.Operator.ResetPinHash, logger.With("operator"))
	return a, nil
}

// Run starts every task and blocks until ctx is cancelled or one task fails.
func (a *Agent) Run(ctx context.Context) error {
	rows, err := a.journal.Recent(a.cfg.Commands.DedupCapacity)
	if err != nil {
		return err
	}

	if err := a.watchConnections(ctx); err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	abort := func(err error) error {
		stop()
		_ = g.Wait()
		return err
	}
	g.Go(func() error { return a.commands.Run(gctx) })
	// The dedup index must hold the journal before any channel can redeliver.
	if err := a.commands.Restore(rows); err != nil {
		return abort(fmt.Errorf("restore journal: %w", err))
	}

	a.conns.Start(gctx)
	for _, ch := range connection.Channels {
		if err := a.conns.Connect(ch); err != nil {
			return abort(err)
		}
	}

	g.Go(func() error { return a.beats.Run(gctx) })
	g.Go(func() error { return a.api.Serve(gctx, a.cfg.Operator.Listen) })
	g.Go(func() error { return a.pruneLoop(gctx) })

	config.Watch(func(c config.Config) {
		a.gate.SetLimits(safety.LimitsFromConfig(c.Safety))
		a.log.Info().Msg("safety limits reloaded")
	}, func(err error) {
		a.log.Error().Err(err).Msg("config reload rejected")
	})

	a.log.Info().Str("executor_id", a.cfg.Executor.ID).Msg("agent running")
	err = g.Wait()
	a.shutdown()
	return err
}

// watchConnections reports channel warnings and GIVEN_UP notices to the platform.
func (a *Agent) watchConnections(ctx context.Context) error {
	_, err := a.bus.Subscribe(ctx, events.TopicConnectionWarning, func(ev events.Event) {
		var w connection.Warning
		if ev.Decode(&w) == nil {
			a.reportError("warning", fmt.Sprintf("%s channel failing: %d consecutive failures, last error: %s", w.Channel, w.Failures, w.LastError))
		}
	})
	if err != nil {
		return err
	}
	_, err = a.bus.Subscribe(ctx, events.TopicConnectionGivenUp, func(ev events.Event) {
		var n connection.GivenUpNotice
		if ev.Decode(&n) == nil {
			a.log.Error().Str("channel", string(n.Channel)).Int("attempts", n.Attempts).Msg(n.Message)
			a.reportError("critical", n.Message)
		}
	})
	return err
}

func (a *Agent) reportError(level, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Platform.Timeout)
	defer cancel()
	err := a.rest.ReportError(ctx, wire.ErrorReport{
		ExecutorID: a.cfg.Executor.ID,
		Level:      level,
		Source:     "connection",
		Message:    msg,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		a.log.Debug().Err(err).Msg("error report not delivered")
	}
}

func (a *Agent) pruneLoop(ctx context.Context) error {
	t := time.NewTicker(pruneEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := a.journal.Prune(a.cfg.Commands.DedupCapacity)
			if err != nil {
				a.log.Warn().Err(err).Msg("journal prune failed")
				continue
			}
			if n > 0 {
				a.log.Info().Int64("rows", n).Msg("journal pruned")
			}
		}
	}
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = a.rest.PatchStatus(ctx, wire.StatusPatch{ExecutorID: a.cfg.Executor.ID, Status: "offline", Timestamp: time.Now().UTC()})
	a.conns.Wait()
	if err := a.bus.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close event bus")
	}
	if err := db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close journal")
	}
	a.log.Info().Msg("agent stopped")
}

// statusFanout sends coordinator changes over REST and mirrors the status on push.
type statusFanout struct {
	rest *platform.Client
	push *push.Client
}

func (f statusFanout) PatchStatus(ctx context.Context, p wire.StatusPatch) error {
	_ = f.push.PublishStatus(ctx, p)
	return f.rest.PatchStatus(ctx, p)
}

func (f statusFanout) ReportError(ctx context.Context, e wire.ErrorReport) error {
	return f.rest.ReportError(ctx, e)
}
