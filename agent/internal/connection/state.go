package connection

import (
	"errors"
	"math"
	"time"
)

// Channel identifies one of the agent's transports.
type Channel string

const (
	ChannelREST     Channel = "rest"
	ChannelPush     Channel = "push"
	ChannelTerminal Channel = "terminal"
)

// Channels lists every channel in reporting order.
var Channels = []Channel{ChannelREST, ChannelPush, ChannelTerminal}

type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Backoff      State = "BACKOFF"
	GivenUp      State = "GIVEN_UP"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrChannelHeld    = errors.New("channel is held open")
	ErrNotConnected   = errors.New("channel not connected")
)

// ConnectionState is the observable state of one channel. Seq increases with every
// transition so listeners can discard events that arrive out of order.
type ConnectionState struct {
	Channel     Channel   `json:"channel"`
	State       State     `json:"state"`
	Attempt     int       `json:"attempt"`
	NextRetryAt time.Time `json:"nextRetryAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Seq         uint64    `json:"seq"`
	ChangedAt   time.Time `json:"changedAt"`
}

// Warning is published once per outage when consecutive failures reach the warn threshold.
type Warning struct {
	Channel   Channel `json:"channel"`
	Failures  int     `json:"failures"`
	LastError string  `json:"lastError"`
}

// GivenUpNotice is published when a channel stops retrying and needs an operator.
type GivenUpNotice struct {
	Channel   Channel `json:"channel"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"lastError"`
	Message   string  `json:"message"`
}

// Policy is the reconnect schedule shared by all channels.
type Policy struct {
	Initial        time.Duration
	Max            time.Duration
	Multiplier     float64
	MaxAttempts    int
	WarnAfter      int
	ConnectTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Initial:        time.Second,
		Max:            60 * time.Second,
		Multiplier:     2,
		MaxAttempts:    10,
		WarnAfter:      3,
		ConnectTimeout: 30 * time.Second,
	}
}

// Delay is the wait before the retry that follows the n-th consecutive failure:
// min(Initial * Multiplier^(n-1), Max).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(n-1))
	if d >= float64(p.Max) || math.IsInf(d, 0) {
		return p.Max
	}
	return time.Duration(d)
}
