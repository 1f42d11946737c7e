package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"fx-executor/agent/internal/connection"
	"fx-executor/agent/internal/db"
	"fx-executor/agent/internal/events"
	"fx-executor/agent/internal/metrics"
	"fx-executor/agent/internal/safety"
	"fx-executor/agent/internal/terminal"
	"fx-executor/agent/internal/wire"

	"github.com/Rican7/retry/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Terminal is the execution side of the terminal link.
type Terminal interface {
	Dispatch(ctx context.Context, commandID, kind string, payload json.RawMessage) (terminal.Outcome, error)
	Lookup(ctx context.Context, commandID string) (terminal.Outcome, bool, error)
	Account(ctx context.Context) (safety.AccountState, error)
}

// LinkState reports the terminal link's connection state.
type LinkState interface {
	State(ch connection.Channel) connection.ConnectionState
	Subscribe(ctx context.Context, ch connection.Channel, fn func(connection.ConnectionState)) error
}

type Journal interface {
	RecordExecuting(id, kind, via string, attempts int, at time.Time) error
	RecordTerminal(res wire.Result) error
	RecordAcked(id string, at time.Time) error
}

// EmergencySignal is the emergency stop coordinator as seen from the queue.
type EmergencySignal interface {
	Trip(source, reason string) error
	CloseAllFinished(commandID, status string)
}

type Options struct {
	ExecutorID      string
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMax        time.Duration
	DispatchTimeout time.Duration
	NotifyTimeout   time.Duration
	DedupCapacity   int
	DedupGrace      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = o.RetryBase
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 15 * time.Second
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 10 * time.Second
	}
	if o.DedupCapacity <= 0 {
		o.DedupCapacity = 4096
	}
	return o
}

type Deps struct {
	Terminal Terminal
	Gate     *safety.Gate
	Reporter *Reporter
	Notifier Notifier
	Journal  Journal
	Links    LinkState
	Bus      *events.Bus
	Log      zerolog.Logger
}

// Service owns the command queue and dedup index. All state is touched only by
// the Run loop; other goroutines submit closures through ops.
type Service struct {
	opts Options
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	ops    chan func()
	done   chan struct{}
	depth  atomic.Int64
	halted atomic.Bool
	signal atomic.Pointer[EmergencySignal]

	// owned by Run
	ctx        context.Context
	queue      queue
	delayed    []*entry
	byID       map[string]*entry
	dedup      *dedupIndex
	inflight   *entry
	seq        uint64
	emergency  bool
	link       connection.State
	linkSeq    uint64
	retryTimer *time.Timer
}

func New(opts Options, deps Deps) *Service {
	opts = opts.withDefaults()
	return &Service{
		opts:  opts,
		deps:  deps,
		log:   deps.Log,
		now:   time.Now,
		ops:   make(chan func(), 256),
		done:  make(chan struct{}),
		byID:  make(map[string]*entry),
		dedup: newDedupIndex(opts.DedupCapacity, opts.DedupGrace),
		link:  connection.Connected,
	}
}

// SetEmergencySignal wires the coordinator. It may be called before or after Run.
func (s *Service) SetEmergencySignal(sig EmergencySignal) {
	s.signal.Store(&sig)
}

func (s *Service) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)
	if s.deps.Links != nil {
		// Subscribe before taking the snapshot so no transition falls in between;
		// events older than the snapshot are dropped by Seq.
		err := s.deps.Links.Subscribe(ctx, connection.ChannelTerminal, func(st connection.ConnectionState) {
			s.do(func() { s.onLinkState(st) })
		})
		if err != nil {
			return fmt.Errorf("watch terminal link: %w", err)
		}
		snap := s.deps.Links.State(connection.ChannelTerminal)
		s.link, s.linkSeq = snap.State, snap.Seq
	}
	for {
		var retry <-chan time.Time
		if s.retryTimer != nil {
			retry = s.retryTimer.C
		}
		select {
		case <-ctx.Done():
			if s.retryTimer != nil {
				s.retryTimer.Stop()
			}
			return nil
		case op := <-s.ops:
			op()
		case <-retry:
			s.retryTimer = nil
			s.promote()
			s.pump()
		}
	}
}

func (s *Service) do(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

func (s *Service) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.ops <- func() { reply <- fn() }:
	case <-s.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrStopped
	}
}

// Submit offers a command to the queue. Duplicates return ErrDuplicate and are
// otherwise ignored. A command refused during an emergency stop is recorded as
// CANCELLED and ErrEmergencyStop is returned.
func (s *Service) Submit(cmd Command) error {
	if cmd.ID == "" {
		return errors.New("command without id")
	}
	return s.call(func() error { return s.submit(cmd) })
}

// SubmitDescriptor converts a wire descriptor surfaced by via and submits it.
func (s *Service) SubmitDescriptor(d wire.Descriptor, via Via) error {
	if d.ExecutorID != "" && s.opts.ExecutorID != "" && d.ExecutorID != s.opts.ExecutorID {
		s.log.Warn().Str("command_id", d.ID).Str("executor_id", d.ExecutorID).Msg("ignoring command for another executor")
		return ErrWrongExecutor
	}
	cmd := Command{
		ID:          d.ID,
		Kind:        Kind(strings.ToUpper(strings.TrimSpace(d.Command))),
		Payload:     d.Parameters,
		Metadata:    d.Metadata,
		ReceivedVia: via,
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
	if p, ok := ParsePriority(d.Priority); ok {
		cmd.Priority = p
	}
	return s.Submit(cmd)
}

// Cancel withdraws a queued command. Commands already executing or finished
// return ErrTooLate.
func (s *Service) Cancel(id string) error {
	return s.call(func() error {
		e, ok := s.byID[id]
		if !ok {
			if _, seen := s.dedup.get(id); seen {
				return ErrTooLate
			}
			return ErrNotFound
		}
		if e == s.inflight {
			return ErrTooLate
		}
		s.unlink(e)
		s.finish(e, StatusCancelled, "cancelled on request")
		return nil
	})
}

// EnterEmergency cancels everything waiting, rejects further submissions and
// queues a CLOSE_ALL ahead of all other work. It returns the CLOSE_ALL id.
func (s *Service) EnterEmergency(reason string) (string, error) {
	var id string
	err := s.call(func() error {
		s.emergency = true
		s.halted.Store(true)

		msg := "cancelled by emergency stop"
		if reason != "" {
			msg += ": " + reason
		}
		for _, e := range s.queue.drain() {
			delete(s.byID, e.cmd.ID)
			s.finish(e, StatusCancelled, msg)
		}
		for _, e := range s.delayed {
			delete(s.byID, e.cmd.ID)
			e.cmd.UnknownOutcome = e.timedOut
			s.finish(e, StatusCancelled, msg)
		}
		s.delayed = nil
		s.armRetry()

		now := s.now()
		id = uuid.NewString()
		e := &entry{
			cmd: Command{
				ID:          id,
				Kind:        KindCloseAll,
				Priority:    PriorityHigh,
				ReceivedVia: ViaInternal,
				CreatedAt:   now,
				Metadata:    map[string]string{"reason": reason},
			},
			urgent: true,
			index:  -1,
		}
		s.dedup.restore(id, StatusReceived, time.Time{}, time.Time{})
		s.log.Warn().Str("command_id", id).Str("reason", reason).Msg("emergency stop: queue drained, close-all queued")
		if s.link == connection.GivenUp {
			s.finish(e, StatusFailed, "terminal link given up")
			return nil
		}
		s.enqueue(e)
		s.pump()
		return nil
	})
	return id, err
}

// ExitEmergency resumes normal processing.
func (s *Service) ExitEmergency() error {
	return s.call(func() error {
		s.emergency = false
		s.halted.Store(false)
		s.log.Info().Msg("emergency stop cleared, accepting commands")
		s.pump()
		return nil
	})
}

// Restore seeds the dedup index from the journal. Rows left EXECUTING by a previous
// run are failed with an unknown outcome; unacknowledged outcomes are re-reported.
func (s *Service) Restore(rows []db.ProcessedCommand) error {
	return s.call(func() error {
		now := s.now()
		for _, row := range rows {
			status := Status(row.Status)
			switch {
			case status == StatusExecuting:
				res := wire.Result{
					CommandID:      row.CommandID,
					Command:        row.Kind,
					Status:         string(StatusFailed),
					Attempts:       row.Attempts,
					Error:          "outcome unknown: agent stopped while the command was executing",
					UnknownOutcome: true,
					ReceivedVia:    row.Via,
					CompletedAt:    now,
				}
				s.dedup.restore(row.CommandID, StatusFailed, now, time.Time{})
				if s.deps.Journal != nil {
					if err := s.deps.Journal.RecordTerminal(res); err != nil {
						s.log.Error().Err(err).Str("command_id", row.CommandID).Msg("journal write failed")
					}
				}
				s.log.Warn().Str("command_id", row.CommandID).Msg("command was executing at shutdown, reporting unknown outcome")
				s.notifyError(row.CommandID, res.Error)
				go s.deliver(res)
			case status.Terminal():
				var completed, acked time.Time
				if row.CompletedAt != nil {
					completed = *row.CompletedAt
				}
				if row.AckedAt != nil {
					acked = *row.AckedAt
				}
				s.dedup.restore(row.CommandID, status, completed, acked)
				if row.AckedAt == nil && s.deps.Reporter != nil {
					if res, ok := row.Result(); ok {
						s.deps.Reporter.Hold(res)
					}
				}
			}
		}
		s.log.Info().Int("entries", len(rows)).Msg("dedup index restored from journal")
		return nil
	})
}

// ReportResult sends res on every reporting channel and records the acknowledgement.
func (s *Service) ReportResult(ctx context.Context, res wire.Result) bool {
	if !s.deps.Reporter.Report(ctx, res) {
		return false
	}
	id := res.CommandID
	s.do(func() { s.markAcked(id) })
	return true
}

// FlushOutbox retries results that no channel has accepted yet.
func (s *Service) FlushOutbox(ctx context.Context) int {
	return s.deps.Reporter.Flush(ctx, func(id string) {
		s.do(func() { s.markAcked(id) })
	})
}

// QueueDepth counts commands waiting for dispatch, including scheduled retries.
func (s *Service) QueueDepth() int { return int(s.depth.Load()) }

// Accepting reports whether new commands are admitted.
func (s *Service) Accepting() bool { return !s.halted.Load() }

func (s *Service) submit(cmd Command) error {
	now := s.now()
	metrics.IncReceived(string(cmd.ReceivedVia))
	if _, seen := s.dedup.get(cmd.ID); seen {
		metrics.IncDuplicate(string(cmd.ReceivedVia))
		s.log.Debug().Str("command_id", cmd.ID).Str("via", string(cmd.ReceivedVia)).Msg("duplicate delivery discarded")
		return ErrDuplicate
	}
	if err := s.dedup.add(cmd.ID, now); err != nil {
		s.log.Warn().Str("command_id", cmd.ID).Int("entries", s.dedup.len()).Msg("dedup index full, refusing command")
		return err
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.Status = StatusReceived
	e := &entry{cmd: cmd, index: -1}

	h, ok := Get(cmd.Kind)
	if !ok {
		s.finish(e, StatusFailed, fmt.Sprintf("unknown command %q", cmd.Kind))
		return nil
	}
	if e.cmd.Priority == "" {
		e.cmd.Priority = h.DefaultPriority()
	}
	s.publishStatus(e)

	args, err := h.DecodeArg(cmd.Payload)
	if err != nil {
		s.finish(e, StatusFailed, err.Error())
		return nil
	}
	e.cmd.Args = args

	if s.emergency && cmd.Kind != KindCloseAll {
		s.finish(e, StatusCancelled, "rejected: emergency stop active")
		return ErrEmergencyStop
	}
	if h.Local() {
		s.runLocal(e)
		return nil
	}
	if s.link == connection.GivenUp && e.cmd.Priority == PriorityHigh {
		s.finish(e, StatusFailed, "terminal link given up")
		return nil
	}
	s.enqueue(e)
	s.pump()
	return nil
}

func (s *Service) runLocal(e *entry) {
	switch e.cmd.Kind {
	case KindPing:
		e.cmd.Output, _ = json.Marshal(map[string]any{"pong": true, "at": s.now().UTC()})
		s.finish(e, StatusExecuted, "")
	case KindEmergencyStop:
		sig := s.signal.Load()
		if sig == nil {
			s.finish(e, StatusFailed, "emergency stop unavailable")
			return
		}
		reason := "requested by control plane"
		if a, ok := e.cmd.Args.(EmergencyArgs); ok && a.Reason != "" {
			reason = a.Reason
		}
		s.finish(e, StatusExecuted, "")
		go func() {
			if err := (*sig).Trip(TripOperator, reason); err != nil {
				s.log.Error().Err(err).Msg("emergency stop trip failed")
			}
		}()
	}
}

func (s *Service) enqueue(e *entry) {
	s.seq++
	e.seq = s.seq
	e.cmd.Status = StatusQueued
	s.byID[e.cmd.ID] = e
	s.queue.push(e)
	s.dedup.setStatus(e.cmd.ID, StatusQueued, s.now())
	s.publishStatus(e)
	s.updateDepth()
}

// pump starts the next ready command when nothing is in flight and the terminal is up.
func (s *Service) pump() {
	for s.inflight == nil && s.link == connection.Connected {
		e := s.queue.pop()
		if e == nil {
			return
		}
		s.updateDepth()
		if e.cmd.ExpiresAt != nil && s.now().After(*e.cmd.ExpiresAt) {
			delete(s.byID, e.cmd.ID)
			s.finish(e, StatusFailed, "expired")
			continue
		}
		s.start(e)
	}
}

func (s *Service) start(e *entry) {
	now := s.now()
	s.inflight = e
	e.cmd.Status = StatusExecuting
	e.cmd.Attempts++
	s.dedup.setStatus(e.cmd.ID, StatusExecuting, now)
	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordExecuting(e.cmd.ID, string(e.cmd.Kind), string(e.cmd.ReceivedVia), e.cmd.Attempts, now); err != nil {
			s.log.Error().Err(err).Str("command_id", e.cmd.ID).Msg("journal write failed")
		}
	}
	s.publishStatus(e)
	s.log.Info().Str("command_id", e.cmd.ID).Str("kind", string(e.cmd.Kind)).Int("attempt", e.cmd.Attempts).Msg("dispatching command")

	cmd := e.cmd
	resolve := e.timedOut
	go func() {
		r := s.execute(s.ctx, cmd, resolve)
		s.do(func() { s.onDone(e, r) })
	}()
}

type workResult struct {
	outcome terminal.Outcome
	verdict *safety.Verdict
	err     error
	elapsed time.Duration
}

func (s *Service) execute(ctx context.Context, cmd Command, resolve bool) workResult {
	// An earlier attempt may already have moved the account, so it is resolved
	// before the gate sees a fresh snapshot.
	if resolve {
		lctx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
		out, found, err := s.deps.Terminal.Lookup(lctx, cmd.ID)
		cancel()
		if err != nil {
			return workResult{err: fmt.Errorf("resolve earlier attempt: %w", err)}
		}
		if found {
			s.log.Info().Str("command_id", cmd.ID).Msg("earlier attempt had executed, adopting its outcome")
			return workResult{outcome: out}
		}
	}

	if x, ok := cmd.Args.(Exposure); ok && s.deps.Gate != nil {
		actx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
		acct, err := s.deps.Terminal.Account(actx)
		cancel()
		if err != nil {
			return workResult{err: fmt.Errorf("account snapshot: %w", err)}
		}
		v := s.deps.Gate.Evaluate(x.Order(), acct)
		if !v.Allowed {
			return workResult{verdict: &v}
		}
	}

	payload := cmd.Payload
	if cmd.Args != nil {
		if b, err := json.Marshal(cmd.Args); err == nil {
			payload = b
		}
	}
	started := time.Now()
	dctx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	defer cancel()
	out, err := s.deps.Terminal.Dispatch(dctx, cmd.ID, string(cmd.Kind), payload)
	return workResult{outcome: out, err: err, elapsed: time.Since(started)}
}

func (s *Service) onDone(e *entry, r workResult) {
	s.inflight = nil
	if r.elapsed > 0 {
		metrics.ObserveDispatch(string(e.cmd.Kind), r.elapsed.Seconds())
	}

	var rej *terminal.RejectionError
	switch {
	case r.verdict != nil:
		delete(s.byID, e.cmd.ID)
		e.cmd.Reasons = r.verdict.Reasons
		s.finish(e, StatusFailed, "safety check failed: "+strings.Join(r.verdict.Reasons, "; "))
		s.safetyRejected(e, *r.verdict)
	case r.err == nil:
		delete(s.byID, e.cmd.ID)
		e.timedOut = false
		e.cmd.Output = r.outcome.Raw
		s.finish(e, StatusExecuted, "")
		s.reportTrade(e.cmd, r.outcome)
	case errors.As(r.err, &rej):
		delete(s.byID, e.cmd.ID)
		s.finish(e, StatusFailed, rej.Error())
	default:
		if uncertain(r.err) {
			e.timedOut = true
		}
		s.retryOrFail(e, r.err)
	}
	s.pump()
}

// uncertain reports whether the terminal may have executed the command despite err.
func uncertain(err error) bool {
	return errors.Is(err, terminal.ErrTimeout) ||
		errors.Is(err, terminal.ErrLinkLost) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) retryOrFail(e *entry, cause error) {
	e.cmd.LastError = cause.Error()
	switch {
	case e.cmd.Attempts >= s.opts.MaxAttempts:
		delete(s.byID, e.cmd.ID)
		e.cmd.UnknownOutcome = e.timedOut
		msg := fmt.Sprintf("failed after %d attempts: %v", e.cmd.Attempts, cause)
		s.finish(e, StatusFailed, msg)
		if e.cmd.UnknownOutcome {
			s.notifyError(e.cmd.ID, msg)
		}
		return
	case s.emergency && e.cmd.Kind != KindCloseAll:
		delete(s.byID, e.cmd.ID)
		e.cmd.UnknownOutcome = e.timedOut
		s.finish(e, StatusCancelled, "cancelled by emergency stop after: "+cause.Error())
		return
	case s.link == connection.GivenUp && e.cmd.Priority == PriorityHigh:
		delete(s.byID, e.cmd.ID)
		e.cmd.UnknownOutcome = e.timedOut
		s.finish(e, StatusFailed, "terminal link given up after: "+cause.Error())
		return
	}

	delay := s.retryDelay(e.cmd.Attempts)
	e.readyAt = s.now().Add(delay)
	e.cmd.Status = StatusQueued
	s.delayed = append(s.delayed, e)
	s.dedup.setStatus(e.cmd.ID, StatusQueued, s.now())
	s.publishStatus(e)
	s.updateDepth()
	s.armRetry()
	s.log.Warn().Str("command_id", e.cmd.ID).Int("attempt", e.cmd.Attempts).Dur("retry_in", delay).Err(cause).Msg("dispatch failed, will retry")
}

// retryDelay is min(RetryBase * 2^(n-1), RetryMax).
func (s *Service) retryDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 32 {
		return s.opts.RetryMax
	}
	d := backoff.BinaryExponential(s.opts.RetryBase)(uint(n - 1))
	if d <= 0 || d > s.opts.RetryMax {
		return s.opts.RetryMax
	}
	return d
}

// promote moves retries whose wait has elapsed back into the queue at their
// original position.
func (s *Service) promote() {
	now := s.now()
	waiting := s.delayed[:0]
	for _, e := range s.delayed {
		if e.readyAt.After(now) {
			waiting = append(waiting, e)
			continue
		}
		s.queue.push(e)
	}
	for i := len(waiting); i < len(s.delayed); i++ {
		s.delayed[i] = nil
	}
	s.delayed = waiting
	s.armRetry()
	s.updateDepth()
}

func (s *Service) armRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if len(s.delayed) == 0 {
		return
	}
	next := s.delayed[0].readyAt
	for _, e := range s.delayed[1:] {
		if e.readyAt.Before(next) {
			next = e.readyAt
		}
	}
	wait := next.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	s.retryTimer = time.NewTimer(wait)
}

// unlink removes a waiting entry from the queue or the retry list.
func (s *Service) unlink(e *entry) {
	delete(s.byID, e.cmd.ID)
	if e.index >= 0 {
		s.queue.remove(e)
	}
	for i, d := range s.delayed {
		if d == e {
			s.delayed = append(s.delayed[:i], s.delayed[i+1:]...)
			s.armRetry()
			break
		}
	}
	s.updateDepth()
}

func (s *Service) onLinkState(st connection.ConnectionState) {
	if st.Seq <= s.linkSeq {
		return
	}
	s.linkSeq = st.Seq
	prev := s.link
	s.link = st.State
	if st.State == connection.GivenUp && prev != connection.GivenUp {
		s.failHighPriority()
		if sig := s.signal.Load(); sig != nil {
			reason := "terminal link gave up: " + st.LastError
			go func() {
				if err := (*sig).Trip(TripTerminalGivenUp, reason); err != nil {
					s.log.Error().Err(err).Msg("emergency stop trip failed")
				}
			}()
		}
	}
	s.pump()
}

// failHighPriority fails waiting HIGH commands instead of holding them for a link
// that will not come back on its own.
func (s *Service) failHighPriority() {
	var doomed []*entry
	for _, e := range s.queue {
		if e.cmd.Priority == PriorityHigh {
			doomed = append(doomed, e)
		}
	}
	for _, e := range s.delayed {
		if e.cmd.Priority == PriorityHigh {
			doomed = append(doomed, e)
		}
	}
	for _, e := range doomed {
		s.unlink(e)
		e.cmd.UnknownOutcome = e.timedOut
		s.finish(e, StatusFailed, "terminal link given up")
	}
}

func (s *Service) finish(e *entry, status Status, msg string) {
	now := s.now()
	e.cmd.Status = status
	if msg != "" {
		e.cmd.LastError = msg
	}
	s.dedup.setStatus(e.cmd.ID, status, now)
	res := s.result(e.cmd, now)
	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordTerminal(res); err != nil {
			s.log.Error().Err(err).Str("command_id", e.cmd.ID).Msg("journal write failed")
		}
	}
	metrics.IncCompleted(string(e.cmd.Kind), string(status))
	s.publishStatus(e)

	ev := s.log.Info()
	if status != StatusExecuted {
		ev = s.log.Warn().Str("error", e.cmd.LastError)
	}
	ev.Str("command_id", e.cmd.ID).Str("kind", string(e.cmd.Kind)).Str("status", string(status)).
		Int("attempts", e.cmd.Attempts).Bool("unknown_outcome", e.cmd.UnknownOutcome).Msg("command finished")

	go s.deliver(res)
	if e.cmd.Kind == KindCloseAll {
		if sig := s.signal.Load(); sig != nil {
			go (*sig).CloseAllFinished(e.cmd.ID, string(status))
		}
	}
}

func (s *Service) deliver(res wire.Result) {
	if s.deps.Reporter == nil {
		return
	}
	s.ReportResult(s.ctx, res)
}

func (s *Service) markAcked(id string) {
	now := s.now()
	s.dedup.ack(id, now)
	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordAcked(id, now); err != nil {
			s.log.Error().Err(err).Str("command_id", id).Msg("journal write failed")
		}
	}
}

func (s *Service) result(cmd Command, at time.Time) wire.Result {
	return wire.Result{
		CommandID:      cmd.ID,
		Command:        string(cmd.Kind),
		Status:         string(cmd.Status),
		Attempts:       cmd.Attempts,
		Error:          cmd.LastError,
		Reasons:        cmd.Reasons,
		UnknownOutcome: cmd.UnknownOutcome,
		Output:         cmd.Output,
		ReceivedVia:    string(cmd.ReceivedVia),
		CompletedAt:    at,
	}
}

func (s *Service) publishStatus(e *entry) {
	if s.deps.Bus == nil {
		return
	}
	err := s.deps.Bus.Publish(events.TopicCommandStatus, StatusEvent{
		ID:          e.cmd.ID,
		Kind:        e.cmd.Kind,
		Status:      e.cmd.Status,
		Attempts:    e.cmd.Attempts,
		Error:       e.cmd.LastError,
		ReceivedVia: e.cmd.ReceivedVia,
		At:          s.now(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("publish command status failed")
	}
}

func (s *Service) updateDepth() {
	n := s.queue.Len() + len(s.delayed)
	s.depth.Store(int64(n))
	metrics.SetQueueDepth(n)
}

func (s *Service) safetyRejected(e *entry, v safety.Verdict) {
	metrics.IncSafetyRejection(v.Hard)
	alert := wire.SafetyAlert{
		ExecutorID: s.opts.ExecutorID,
		CommandID:  e.cmd.ID,
		Reasons:    v.Reasons,
		Snapshot:   v.Snapshot,
		Hard:       v.Hard,
		Timestamp:  s.now().UTC(),
	}
	if s.deps.Bus != nil {
		_ = s.deps.Bus.Publish(events.TopicSafetyBreach, alert)
	}
	s.notify(func(ctx context.Context, n Notifier) error { return n.ReportSafetyAlert(ctx, alert) })

	if !v.Hard {
		return
	}
	if sig := s.signal.Load(); sig != nil {
		reason := "hard safety limit: " + strings.Join(v.Reasons, "; ")
		go func() {
			if err := (*sig).Trip(TripSafety, reason); err != nil {
				s.log.Error().Err(err).Msg("emergency stop trip failed")
			}
		}()
	}
}

func (s *Service) reportTrade(cmd Command, out terminal.Outcome) {
	switch args := cmd.Args.(type) {
	case OpenArgs:
		if out.Ticket == "" {
			return
		}
		t := wire.Trade{
			ExecutorID: s.opts.ExecutorID,
			CommandID:  cmd.ID,
			StrategyID: args.StrategyID,
			Ticket:     out.Ticket,
			Symbol:     args.Symbol,
			Type:       args.Side,
			Lots:       args.Lots,
			OpenPrice:  out.Price,
			StopLoss:   args.StopLoss,
			TakeProfit: args.TakeProfit,
			OpenTime:   out.Time,
		}
		s.notify(func(ctx context.Context, n Notifier) error { return n.ReportTrade(ctx, t) })
	case CloseArgs:
		c := wire.TradeClose{
			ExecutorID: s.opts.ExecutorID,
			CommandID:  cmd.ID,
			ClosePrice: out.Price,
			Profit:     out.Profit,
			CloseTime:  out.Time,
		}
		s.notify(func(ctx context.Context, n Notifier) error { return n.ReportTradeClose(ctx, args.Ticket, c) })
	}
}

func (s *Service) notifyError(commandID, msg string) {
	rep := wire.ErrorReport{
		ExecutorID: s.opts.ExecutorID,
		Level:      "error",
		Source:     "command",
		Message:    msg,
		CommandID:  commandID,
		Timestamp:  s.now().UTC(),
	}
	s.notify(func(ctx context.Context, n Notifier) error { return n.ReportError(ctx, rep) })
}

func (s *Service) notify(fn func(ctx context.Context, n Notifier) error) {
	n := s.deps.Notifier
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.NotifyTimeout)
		defer cancel()
		if err := fn(ctx, n); err != nil {
			s.log.Warn().Err(err).Msg("side report failed")
		}
	}()
}
