package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"fx-executor/agent/internal/safety"
)

// Handler describes how one command kind is decoded and scheduled.
type Handler interface {
	// DefaultPriority is used when the descriptor does not carry one.
	DefaultPriority() Priority
	// DecodeArg validates the kind's payload. A nil return value is allowed.
	DecodeArg(raw json.RawMessage) (any, error)
	// Local kinds are completed by the agent itself, never dispatched.
	Local() bool
}

// Exposure is implemented by payloads that open risk and must pass the safety gate.
type Exposure interface {
	Order() safety.Order
}

var registry = map[Kind]Handler{}

func Register(k Kind, h Handler) { registry[k] = h }

func Get(k Kind) (Handler, bool) {
	h, ok := registry[k]
	return h, ok
}

type OpenArgs struct {
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Lots       float64  `json:"lots"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	Comment    string   `json:"comment,omitempty"`
	StrategyID string   `json:"strategyId,omitempty"`
}

func (a OpenArgs) Order() safety.Order { return safety.Order{Symbol: a.Symbol, Lots: a.Lots} }

type CloseArgs struct {
	Ticket string  `json:"ticket"`
	Symbol string  `json:"symbol,omitempty"`
	Lots   float64 `json:"lots,omitempty"`
}

type ModifyArgs struct {
	Ticket     string   `json:"ticket"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

type CancelArgs struct {
	Ticket string `json:"ticket"`
}

type StrategyArgs struct {
	StrategyID string `json:"strategyId"`
}

type EmergencyArgs struct {
	Reason string `json:"reason,omitempty"`
}

func decodeInto[T any](raw json.RawMessage, out *T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("missing parameters")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

type openHandler struct{}

func (openHandler) DefaultPriority() Priority { return PriorityNormal }
func (openHandler) Local() bool               { return false }
func (openHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var a OpenArgs
	if err := decodeInto(raw, &a); err != nil {
		return nil, err
	}
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	a.Side = strings.ToUpper(strings.TrimSpace(a.Side))
	if a.Symbol == "" {
		return nil, fmt.Errorf("missing symbol")
	}
	if a.Side != "BUY" && a.Side != "SELL" {
		return nil, fmt.Errorf("invalid side %q", a.Side)
	}
	if a.Lots <= 0 {
		return nil, fmt.Errorf("lots must be positive")
	}
	return a, nil
}

type closeHandler struct{}

func (closeHandler) DefaultPriority() Priority { return PriorityHigh }
func (closeHandler) Local() bool               { return false }
func (closeHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var a CloseArgs
	if err := decodeInto(raw, &a); err != nil {
		return nil, err
	}
	if a.Ticket == "" {
		return nil, fmt.Errorf("missing ticket")
	}
	return a, nil
}

type modifyHandler struct{}

func (modifyHandler) DefaultPriority() Priority { return PriorityNormal }
func (modifyHandler) Local() bool               { return false }
func (modifyHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var a ModifyArgs
	if err := decodeInto(raw, &a); err != nil {
		return nil, err
	}
	if a.Ticket == "" {
		return nil, fmt.Errorf("missing ticket")
	}
	if a.StopLoss == nil && a.TakeProfit == nil {
		return nil, fmt.Errorf("nothing to modify")
	}
	return a, nil
}

type cancelHandler struct{}

func (cancelHandler) DefaultPriority() Priority { return PriorityNormal }
func (cancelHandler) Local() bool               { return false }
func (cancelHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var a CancelArgs
	if err := decodeInto(raw, &a); err != nil {
		return nil, err
	}
	if a.Ticket == "" {
		return nil, fmt.Errorf("missing ticket")
	}
	return a, nil
}

type strategyHandler struct{ priority Priority }

func (h strategyHandler) DefaultPriority() Priority { return h.priority }
func (strategyHandler) Local() bool                 { return false }
func (strategyHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var a StrategyArgs
	if err := decodeInto(raw, &a); err != nil {
		return nil, err
	}
	if a.StrategyID == "" {
		return nil, fmt.Errorf("missing strategyId")
	}
	return a, nil
}

// closeAllHandler accepts an empty payload.
type closeAllHandler struct{}

func (closeAllHandler) DefaultPriority() Priority              { return PriorityHigh }
func (closeAllHandler) Local() bool                            { return false }
func (closeAllHandler) DecodeArg(json.RawMessage) (any, error) { return nil, nil }

type emergencyHandler struct{}

func (emergencyHandler) DefaultPriority() Priority { return PriorityHigh }
func (emergencyHandler) Local() bool               { return true }
func (emergencyHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var a EmergencyArgs
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
	}
	return a, nil
}

type pingHandler struct{}

func (pingHandler) DefaultPriority() Priority              { return PriorityLow }
func (pingHandler) Local() bool                            { return true }
func (pingHandler) DecodeArg(json.RawMessage) (any, error) { return nil, nil }

func init() {
	Register(KindOpen, openHandler{})
	Register(KindClose, closeHandler{})
	Register(KindModify, modifyHandler{})
	Register(KindCancel, cancelHandler{})
	Register(KindCloseAll, closeAllHandler{})
	Register(KindEmergencyStop, emergencyHandler{})
	Register(KindStartStrategy, strategyHandler{priority: PriorityNormal})
	Register(KindStopStrategy, strategyHandler{priority: PriorityHigh})
	Register(KindPing, pingHandler{})
}
