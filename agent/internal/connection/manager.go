package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fx-executor/agent/internal/events"
	"fx-executor/agent/internal/metrics"

	"github.com/rs/zerolog"
)

// Connector is the transport behind one channel. Connect blocks until the link is
// usable or fails. Clients report later drops through Manager.OnDisconnect.
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
}

// Manager supervises the agent's channels. Each channel is owned by one goroutine
// that applies every transition; readers get lock-free snapshots.
type Manager struct {
	policy Policy
	bus    *events.Bus
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	links map[Channel]*link
	order []Channel
	wg    sync.WaitGroup
}

func NewManager(policy Policy, bus *events.Bus, log zerolog.Logger) *Manager {
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.ConnectTimeout <= 0 {
		policy.ConnectTimeout = DefaultPolicy().ConnectTimeout
	}
	return &Manager{
		policy: policy,
		bus:    bus,
		log:    log,
		now:    time.Now,
		links:  map[Channel]*link{},
	}
}

// Register attaches the connector for ch. It must be called before Start.
func (m *Manager) Register(ch Channel, c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &link{
		m:       m,
		channel: ch,
		conn:    c,
		ops:     make(chan func(), 64),
		done:    make(chan struct{}),
		st:      ConnectionState{Channel: ch, State: Disconnected},
	}
	snap := l.st
	l.snap.Store(&snap)
	m.links[ch] = l
	m.order = append(m.order, ch)
}

// Start launches one owner goroutine per registered channel. They stop when ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.order {
		l := m.links[ch]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			l.run(ctx)
		}()
	}
}

// Wait blocks until every channel goroutine has exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) get(ch Channel) (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	return l, nil
}

// Connect requests a connection. It is a no-op while the channel is connected,
// connecting, or already waiting for a scheduled retry. From GIVEN_UP it grants
// one more attempt.
func (m *Manager) Connect(ch Channel) error {
	l, err := m.get(ch)
	if err != nil {
		return err
	}
	l.do(func(ctx context.Context) {
		switch l.st.State {
		case Disconnected, GivenUp:
			l.startConnect(ctx)
		}
	})
	return nil
}

// OnDisconnect is called by a connector when an established link drops.
func (m *Manager) OnDisconnect(ch Channel, cause error) {
	l, err := m.get(ch)
	if err != nil {
		return
	}
	if cause == nil {
		cause = errors.New("connection lost")
	}
	l.do(func(ctx context.Context) {
		if l.st.State != Connected {
			return
		}
		m.log.Warn().Str("channel", string(ch)).Err(cause).Msg("connection lost")
		l.fail(ctx, cause)
	})
}

// Close tears the channel down and stops retries. A held channel refuses.
func (m *Manager) Close(ch Channel) error {
	l, err := m.get(ch)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !l.do(func(ctx context.Context) { reply <- l.close() }) {
		return context.Canceled
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return context.Canceled
	}
}

// Hold pins the channel open until Release. A held channel that is down is
// reconnected immediately.
func (m *Manager) Hold(ch Channel) error {
	l, err := m.get(ch)
	if err != nil {
		return err
	}
	l.do(func(ctx context.Context) {
		l.held = true
		switch l.st.State {
		case Disconnected, GivenUp:
			m.log.Info().Str("channel", string(ch)).Msg("held channel is down, reconnecting")
			l.startConnect(ctx)
		}
	})
	return nil
}

func (m *Manager) Release(ch Channel) error {
	l, err := m.get(ch)
	if err != nil {
		return err
	}
	l.do(func(context.Context) { l.held = false })
	return nil
}

// State returns the latest snapshot for ch.
func (m *Manager) State(ch Channel) ConnectionState {
	l, err := m.get(ch)
	if err != nil {
		return ConnectionState{Channel: ch, State: Disconnected}
	}
	return *l.snap.Load()
}

// States returns every channel's snapshot in registration order.
func (m *Manager) States() []ConnectionState {
	m.mu.Lock()
	order := append([]Channel(nil), m.order...)
	m.mu.Unlock()
	out := make([]ConnectionState, 0, len(order))
	for _, ch := range order {
		out = append(out, m.State(ch))
	}
	return out
}

func (m *Manager) IsConnected(ch Channel) bool {
	return m.State(ch).State == Connected
}

// Subscribe calls fn with every transition of ch until ctx ends. Events that arrive
// after a newer one was delivered are dropped.
func (m *Manager) Subscribe(ctx context.Context, ch Channel, fn func(ConnectionState)) error {
	var last uint64
	_, err := m.bus.Subscribe(ctx, events.TopicConnectionState, func(e events.Event) {
		var st ConnectionState
		if err := e.Decode(&st); err != nil || st.Channel != ch {
			return
		}
		if st.Seq <= atomic.LoadUint64(&last) {
			return
		}
		atomic.StoreUint64(&last, st.Seq)
		fn(st)
	})
	return err
}

type link struct {
	m       *Manager
	channel Channel
	conn    Connector
	ops     chan func()
	done    chan struct{}
	ctx     context.Context
	snap    atomic.Pointer[ConnectionState]

	// owned by run
	st     ConnectionState
	held   bool
	warned bool
	gen    uint64
	timer  *time.Timer
}

// do queues fn for the owner goroutine. It reports false once the channel has stopped.
func (l *link) do(fn func(ctx context.Context)) bool {
	select {
	case l.ops <- func() { fn(l.ctx) }:
		return true
	case <-l.done:
		return false
	}
}

func (l *link) run(ctx context.Context) {
	l.ctx = ctx
	defer close(l.done)
	defer func() {
		l.stopTimer()
		_ = l.conn.Close()
	}()
	for {
		var retry <-chan time.Time
		if l.timer != nil {
			retry = l.timer.C
		}
		select {
		case <-ctx.Done():
			return
		case op := <-l.ops:
			op()
		case <-retry:
			l.timer = nil
			if l.st.State == Backoff {
				l.startConnect(ctx)
			}
		}
	}
}

func (l *link) startConnect(ctx context.Context) {
	l.stopTimer()
	l.gen++
	gen := l.gen
	l.transition(func(st *ConnectionState) {
		st.State = Connecting
	})
	l.m.log.Info().Str("channel", string(l.channel)).Int("attempt", l.st.Attempt+1).Msg("connecting")

	go func() {
		cctx, cancel := context.WithTimeout(ctx, l.m.policy.ConnectTimeout)
		err := l.conn.Connect(cctx)
		cancel()
		l.do(func(ctx context.Context) { l.connectResult(ctx, gen, err) })
	}()
}

func (l *link) connectResult(ctx context.Context, gen uint64, err error) {
	if gen != l.gen || l.st.State != Connecting {
		// superseded by Close; drop whatever the stale attempt opened
		if err == nil {
			_ = l.conn.Close()
		}
		return
	}
	if err != nil {
		l.m.log.Warn().Str("channel", string(l.channel)).Err(err).Int("attempt", l.st.Attempt+1).Msg("connect failed")
		l.fail(ctx, err)
		return
	}
	l.warned = false
	l.transition(func(st *ConnectionState) {
		st.State = Connected
		st.Attempt = 0
		st.NextRetryAt = time.Time{}
		st.LastError = ""
	})
	l.m.log.Info().Str("channel", string(l.channel)).Msg("connected")
}

// fail records one consecutive failure and schedules the next retry or gives up.
func (l *link) fail(ctx context.Context, cause error) {
	p := l.m.policy
	failures := l.st.Attempt + 1
	delay := p.Delay(failures)
	now := l.m.now()

	if failures >= p.MaxAttempts {
		l.transition(func(st *ConnectionState) {
			st.State = GivenUp
			st.Attempt = failures
			st.NextRetryAt = time.Time{}
			st.LastError = cause.Error()
		})
		notice := GivenUpNotice{
			Channel:   l.channel,
			Attempts:  failures,
			LastError: cause.Error(),
			Message:   fmt.Sprintf("%s channel gave up after %d attempts; operator intervention required", l.channel, failures),
		}
		l.m.log.Error().Str("channel", string(l.channel)).Int("attempts", failures).Err(cause).Msg("giving up on channel")
		l.publish(events.TopicConnectionGivenUp, notice)
		l.maybeWarn(failures, cause)
		return
	}

	next := now.Add(delay)
	if next.Before(l.st.NextRetryAt) {
		next = l.st.NextRetryAt
	}
	l.transition(func(st *ConnectionState) {
		st.State = Backoff
		st.Attempt = failures
		st.NextRetryAt = next
		st.LastError = cause.Error()
	})
	l.maybeWarn(failures, cause)
	l.m.log.Info().Str("channel", string(l.channel)).Dur("delay", next.Sub(now)).Msg("retry scheduled")
	l.timer = time.NewTimer(next.Sub(now))
}

func (l *link) maybeWarn(failures int, cause error) {
	warnAfter := l.m.policy.WarnAfter
	if l.warned || warnAfter <= 0 || failures < warnAfter {
		return
	}
	l.warned = true
	l.m.log.Warn().Str("channel", string(l.channel)).Int("failures", failures).Msg("channel keeps failing")
	l.publish(events.TopicConnectionWarning, Warning{Channel: l.channel, Failures: failures, LastError: cause.Error()})
}

func (l *link) close() error {
	if l.held {
		return ErrChannelHeld
	}
	l.stopTimer()
	l.gen++
	err := l.conn.Close()
	l.transition(func(st *ConnectionState) {
		st.State = Disconnected
		st.NextRetryAt = time.Time{}
	})
	return err
}

func (l *link) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *link) transition(apply func(st *ConnectionState)) {
	apply(&l.st)
	l.st.Seq++
	l.st.ChangedAt = l.m.now()
	snap := l.st
	l.snap.Store(&snap)
	metrics.SetChannelState(string(l.channel), string(snap.State))
	l.publish(events.TopicConnectionState, snap)
}

func (l *link) publish(topic events.Topic, payload any) {
	if l.m.bus == nil {
		return
	}
	if err := l.m.bus.Publish(topic, payload); err != nil {
		l.m.log.Error().Err(err).Str("topic", string(topic)).Msg("publish failed")
	}
}
