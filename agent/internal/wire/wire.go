// Package wire holds the JSON contracts exchanged with the control plane over the
// REST and push channels. Field names follow the control plane's camelCase schema.
package wire

import (
	"encoding/json"
	"time"
)

// Descriptor is a command as surfaced by either the push channel or a poll.
type Descriptor struct {
	ID         string            `json:"id"`
	Command    string            `json:"command"`
	ExecutorID string            `json:"executorId,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	Parameters json.RawMessage   `json:"parameters,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
}

// Result is the terminal outcome of one command.
type Result struct {
	CommandID      string          `json:"commandId"`
	Command        string          `json:"command"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	Error          string          `json:"error,omitempty"`
	Reasons        []string        `json:"reasons,omitempty"`
	UnknownOutcome bool            `json:"unknownOutcome,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	ReceivedVia    string          `json:"receivedVia"`
	CompletedAt    time.Time       `json:"completedAt"`
}

type SystemMetrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsedMB  float64 `json:"memoryUsedMb"`
	MemoryTotalMB float64 `json:"memoryTotalMb"`
	MemoryPercent float64 `json:"memoryPercent"`
	ProcessRSSMB  float64 `json:"processRssMb"`
	Goroutines    int     `json:"goroutines"`
}

type TerminalStatus struct {
	Balance           float64 `json:"balance"`
	Equity            float64 `json:"equity"`
	OpenPositionCount int     `json:"openPositionCount"`
}

// ChannelSummary is one entry of the heartbeat's connection summary.
type ChannelSummary struct {
	Channel     string     `json:"channel"`
	State       string     `json:"state"`
	Attempt     int        `json:"attempt"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

type HeartbeatReport struct {
	ExecutorID               string           `json:"executorId"`
	Timestamp                time.Time        `json:"timestamp"`
	UptimeSeconds            int64            `json:"uptimeSeconds"`
	SystemMetrics            SystemMetrics    `json:"systemMetrics"`
	TerminalStatus           *TerminalStatus  `json:"terminalStatus,omitempty"`
	ConnectionSummary        []ChannelSummary `json:"connectionSummary"`
	AcceptingPendingCommands bool             `json:"acceptingPendingCommands"`
	EmergencyStop            string           `json:"emergencyStop,omitempty"`
	QueueDepth               int              `json:"queueDepth"`
}

// HeartbeatResponse is the REST reply to a heartbeat.
type HeartbeatResponse struct {
	PendingCommands []Descriptor `json:"pendingCommands"`
}

type PendingCommands struct {
	Commands []Descriptor `json:"commands"`
}

type Trade struct {
	ExecutorID string   `json:"executorId"`
	CommandID  string   `json:"commandId"`
	StrategyID string   `json:"strategyId,omitempty"`
	Ticket     string   `json:"ticket"`
	Symbol     string   `json:"symbol"`
	Type       string   `json:"type"`
	Lots       float64  `json:"lots"`
	OpenPrice  float64  `json:"openPrice,omitempty"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	OpenTime   string   `json:"openTime,omitempty"`
}

type TradeClose struct {
	ExecutorID string  `json:"executorId"`
	CommandID  string  `json:"commandId"`
	ClosePrice float64 `json:"closePrice,omitempty"`
	Profit     float64 `json:"profit"`
	CloseTime  string  `json:"closeTime,omitempty"`
}

type SafetyAlert struct {
	ExecutorID string             `json:"executorId"`
	CommandID  string             `json:"commandId"`
	Reasons    []string           `json:"reasons"`
	Snapshot   map[string]float64 `json:"snapshot"`
	Hard       bool               `json:"hard"`
	Timestamp  time.Time          `json:"timestamp"`
}

type ErrorReport struct {
	ExecutorID string    `json:"executorId"`
	Level      string    `json:"level"`
	Source     string    `json:"source"`
	Message    string    `json:"message"`
	CommandID  string    `json:"commandId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type StatusPatch struct {
	ExecutorID string    `json:"executorId"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Registration struct {
	ExecutorID string `json:"executorId"`
	Version    string `json:"version"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
}

// Push event names on the executor's private topic.
const (
	EventCommandReceived = "command-received"
	EventCommandResult   = "command-result"
	EventHeartbeat       = "heartbeat"
	EventStatus          = "executor-status"
)

// PushEnvelope wraps every message on the push channel.
type PushEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
