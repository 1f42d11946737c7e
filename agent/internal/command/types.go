package command

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Kind string

const (
	KindOpen          Kind = "OPEN"
	KindClose         Kind = "CLOSE"
	KindModify        Kind = "MODIFY"
	KindCancel        Kind = "CANCEL"
	KindCloseAll      Kind = "CLOSE_ALL"
	KindEmergencyStop Kind = "EMERGENCY_STOP"
	KindStartStrategy Kind = "START_STRATEGY"
	KindStopStrategy  Kind = "STOP_STRATEGY"
	KindPing          Kind = "PING"
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// ParsePriority accepts any case; unknown values yield ok=false.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityNormal:
		return PriorityNormal, true
	case PriorityLow:
		return PriorityLow, true
	}
	return "", false
}

type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusQueued    Status = "QUEUED"
	StatusExecuting Status = "EXECUTING"
	StatusExecuted  Status = "EXECUTED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}

// Via records which channel surfaced a command.
type Via string

const (
	ViaPush     Via = "PUSH"
	ViaPoll     Via = "POLL"
	ViaOperator Via = "OPERATOR"
	ViaInternal Via = "INTERNAL"
)

var (
	ErrDuplicate     = errors.New("command already received")
	ErrBackpressure  = errors.New("dedup index full")
	ErrEmergencyStop = errors.New("emergency stop active")
	ErrTooLate       = errors.New("command already executing or finished")
	ErrNotFound      = errors.New("command not found")
	ErrStopped       = errors.New("command service stopped")
	ErrWrongExecutor = errors.New("command addressed to another executor")
)

// Emergency trip sources raised by the command service.
const (
	TripOperator        = "OPERATOR"
	TripSafety          = "SAFETY"
	TripTerminalGivenUp = "TERMINAL_GIVEN_UP"
)

// Command is one unit of work. Args holds the decoded payload.
type Command struct {
	ID             string
	Kind           Kind
	Priority       Priority
	Payload        json.RawMessage
	Args           any
	Metadata       map[string]string
	ReceivedVia    Via
	Status         Status
	Attempts       int
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	LastError      string
	Reasons        []string
	UnknownOutcome bool
	Output         json.RawMessage
}

// StatusEvent is published on every command transition.
type StatusEvent struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	ReceivedVia Via       `json:"receivedVia"`
	At          time.Time `json:"at"`
}
