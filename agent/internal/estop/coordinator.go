// Package estop coordinates the agent-wide emergency stop.
package estop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fx-executor/agent/internal/connection"
	"fx-executor/agent/internal/events"
	"fx-executor/agent/internal/metrics"
	"fx-executor/agent/internal/wire"

	"github.com/rs/zerolog"
)

type State string

const (
	Armed        State = "ARMED"
	Tripped      State = "TRIPPED"
	Acknowledged State = "TRIPPED_ACKNOWLEDGED"
)

// platformStatus maps a coordinator state onto the executor status reported upstream.
func (s State) platformStatus() string {
	switch s {
	case Tripped:
		return "emergency_stop"
	case Acknowledged:
		return "stopped_acknowledged"
	default:
		return "online"
	}
}

var ErrResetNotAllowed = errors.New("emergency stop can only be reset once close-all has finished")

// Queue is the command service side of an emergency stop.
type Queue interface {
	EnterEmergency(reason string) (string, error)
	ExitEmergency() error
}

// Holder pins a channel open while the stop is active.
type Holder interface {
	Hold(ch connection.Channel) error
	Release(ch connection.Channel) error
}

// Reporter carries coordinator changes to the control plane.
type Reporter interface {
	PatchStatus(ctx context.Context, p wire.StatusPatch) error
	ReportError(ctx context.Context, e wire.ErrorReport) error
}

// Status is the coordinator snapshot published on the bus and the operator API.
type Status struct {
	State          State      `json:"state"`
	Source         string     `json:"source,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	TrippedAt      *time.Time `json:"trippedAt,omitempty"`
	CloseAllID     string     `json:"closeAllId,omitempty"`
	CloseAllStatus string     `json:"closeAllStatus,omitempty"`
}

type Coordinator struct {
	executorID string
	queue      Queue
	links      Holder
	reporter   Reporter
	bus        *events.Bus
	log        zerolog.Logger
	timeout    time.Duration

	mu     sync.Mutex
	status Status
}

func New(executorID string, queue Queue, links Holder, reporter Reporter, bus *events.Bus, log zerolog.Logger) *Coordinator {
	metrics.SetEmergencyStopState(string(Armed))
	return &Coordinator{
		executorID: executorID,
		queue:      queue,
		links:      links,
		reporter:   reporter,
		bus:        bus,
		log:        log,
		timeout:    10 * time.Second,
		status:     Status{State: Armed},
	}
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Trip stops the agent. It is a no-op unless the coordinator is ARMED.
func (c *Coordinator) Trip(source, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != Armed {
		c.log.Info().Str("source", source).Str("state", string(c.status.State)).Msg("emergency stop already active, trip ignored")
		return nil
	}

	now := time.Now().UTC()
	c.status = Status{State: Tripped, Source: source, Reason: reason, TrippedAt: &now}
	c.log.Error().Str("source", source).Str("reason", reason).Msg("EMERGENCY STOP tripped")

	if c.links != nil {
		if err := c.links.Hold(connection.ChannelTerminal); err != nil {
			c.log.Error().Err(err).Msg("could not hold terminal link")
		}
	}
	id, err := c.queue.EnterEmergency(reason)
	if err != nil {
		c.changed()
		return fmt.Errorf("enter emergency: %w", err)
	}
	c.status.CloseAllID = id
	c.changed()
	c.report(wire.ErrorReport{
		ExecutorID: c.executorID,
		Level:      "critical",
		Source:     "estop",
		Message:    fmt.Sprintf("emergency stop tripped by %s: %s", source, reason),
		CommandID:  id,
		Timestamp:  now,
	})
	return nil
}

// CloseAllFinished acknowledges the stop once its CLOSE_ALL reached a terminal status.
// Completions of other CLOSE_ALL commands are ignored.
func (c *Coordinator) CloseAllFinished(commandID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != Tripped || commandID != c.status.CloseAllID {
		return
	}
	c.status.State = Acknowledged
	c.status.CloseAllStatus = status
	c.log.Warn().Str("command_id", commandID).Str("status", status).Msg("emergency close-all finished, awaiting operator reset")
	c.changed()
}

// Reset re-arms the coordinator and resumes processing.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == Armed {
		return nil
	}
	if c.status.State != Acknowledged {
		return ErrResetNotAllowed
	}
	if err := c.queue.ExitEmergency(); err != nil {
		return fmt.Errorf("exit emergency: %w", err)
	}
	if c.links != nil {
		if err := c.links.Release(connection.ChannelTerminal); err != nil {
			c.log.Warn().Err(err).Msg("release terminal link")
		}
	}
	c.status = Status{State: Armed}
	c.log.Info().Msg("emergency stop reset, agent re-armed")
	c.changed()
	return nil
}

// changed must be called with mu held.
func (c *Coordinator) changed() {
	st := c.status
	metrics.SetEmergencyStopState(string(st.State))
	if c.bus != nil {
		if err := c.bus.Publish(events.TopicEmergencyStop, st); err != nil {
			c.log.Error().Err(err).Msg("publish emergency stop state")
		}
	}
	if c.reporter == nil {
		return
	}
	patch := wire.StatusPatch{
		ExecutorID: c.executorID,
		Status:     st.State.platformStatus(),
		Reason:     st.Reason,
		Timestamp:  time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.reporter.PatchStatus(ctx, patch); err != nil {
			c.log.Warn().Err(err).Str("status", patch.Status).Msg("status patch failed")
		}
	}()
}

func (c *Coordinator) report(e wire.ErrorReport) {
	if c.reporter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.reporter.ReportError(ctx, e); err != nil {
			c.log.Warn().Err(err).Msg("error report failed")
		}
	}()
}
