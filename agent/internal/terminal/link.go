// Package terminal is the request/reply link to the trading terminal bridge.
// Every request carries an id; the bridge answers with a Reply bearing the same id.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fx-executor/agent/internal/safety"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	OpDispatch = "dispatch"
	OpLookup   = "lookup"
	OpAccount  = "account"
	OpPing     = "ping"
)

var (
	ErrNotConnected = errors.New("terminal link not connected")
	ErrTimeout      = errors.New("terminal request timed out")
	ErrLinkLost     = errors.New("terminal link lost")
)

// RejectionError is a permanent refusal by the terminal, e.g. an invalid order.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	if e.Code == "" {
		return "terminal rejected command: " + e.Message
	}
	return fmt.Sprintf("terminal rejected command: %s: %s", e.Code, e.Message)
}

type Request struct {
	ID        string          `json:"id"`
	Op        string          `json:"op"`
	CommandID string          `json:"commandId,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Reply struct {
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Code    string               `json:"code,omitempty"`
	Error   string               `json:"error,omitempty"`
	Outcome json.RawMessage      `json:"outcome,omitempty"`
	Account *safety.AccountState `json:"account,omitempty"`
	Found   bool                 `json:"found,omitempty"`
}

// Outcome is the execution result reported by the terminal. Raw keeps the bridge's
// full reply for the command result.
type Outcome struct {
	Ticket string          `json:"ticket,omitempty"`
	Symbol string          `json:"symbol,omitempty"`
	Type   string          `json:"type,omitempty"`
	Volume float64         `json:"volume,omitempty"`
	Price  float64         `json:"price,omitempty"`
	Profit float64         `json:"profit,omitempty"`
	Time   string          `json:"time,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

func decodeOutcome(raw json.RawMessage) (Outcome, error) {
	var o Outcome
	if len(raw) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	o.Raw = raw
	return o, nil
}

// Link is a websocket client to the bridge. It implements connection.Connector.
type Link struct {
	url    string
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Reply
	closing bool
	onLost  func(error)

	writeMu sync.Mutex
}

func New(url string, log zerolog.Logger) *Link {
	return &Link{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     log,
		pending: make(map[string]chan Reply),
	}
}

// OnLost registers the callback fired when an established link drops unexpectedly.
func (l *Link) OnLost(fn func(error)) {
	l.mu.Lock()
	l.onLost = fn
	l.mu.Unlock()
}

func (l *Link) Connect(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial terminal %s: %w", l.url, err)
	}
	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.closing = false
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go l.readLoop(conn)
	l.log.Info().Str("url", l.url).Msg("terminal link up")
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	l.closing = true
	conn := l.conn
	l.conn = nil
	l.failPending()
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return conn.Close()
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Dispatch sends a command for execution. A refused command yields *RejectionError.
func (l *Link) Dispatch(ctx context.Context, commandID, kind string, payload json.RawMessage) (Outcome, error) {
	rep, err := l.roundTrip(ctx, Request{Op: OpDispatch, CommandID: commandID, Kind: kind, Payload: payload})
	if err != nil {
		return Outcome{}, err
	}
	if !rep.OK {
		return Outcome{}, &RejectionError{Code: rep.Code, Message: rep.Error}
	}
	return decodeOutcome(rep.Outcome)
}

// Lookup asks whether the terminal already executed commandID.
func (l *Link) Lookup(ctx context.Context, commandID string) (Outcome, bool, error) {
	rep, err := l.roundTrip(ctx, Request{Op: OpLookup, CommandID: commandID})
	if err != nil {
		return Outcome{}, false, err
	}
	if !rep.OK {
		return Outcome{}, false, fmt.Errorf("lookup %s: %s", commandID, rep.Error)
	}
	if !rep.Found {
		return Outcome{}, false, nil
	}
	o, err := decodeOutcome(rep.Outcome)
	return o, err == nil, err
}

func (l *Link) Account(ctx context.Context) (safety.AccountState, error) {
	rep, err := l.roundTrip(ctx, Request{Op: OpAccount})
	if err != nil {
		return safety.AccountState{}, err
	}
	if !rep.OK || rep.Account == nil {
		return safety.AccountState{}, fmt.Errorf("account query failed: %s", rep.Error)
	}
	return *rep.Account, nil
}

func (l *Link) Ping(ctx context.Context) error {
	_, err := l.roundTrip(ctx, Request{Op: OpPing})
	return err
}

func (l *Link) roundTrip(ctx context.Context, req Request) (Reply, error) {
	req.ID = uuid.NewString()
	ch := make(chan Reply, 1)

	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return Reply{}, ErrNotConnected
	}
	l.pending[req.ID] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, req.ID)
		l.mu.Unlock()
	}()

	if err := l.write(ctx, conn, req); err != nil {
		return Reply{}, fmt.Errorf("%w: write %s: %v", ErrLinkLost, req.Op, err)
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return Reply{}, fmt.Errorf("%w: awaiting %s reply", ErrLinkLost, req.Op)
		}
		return rep, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("%w: %s %s", ErrTimeout, req.Op, req.CommandID)
		}
		return Reply{}, ctx.Err()
	}
}

func (l *Link) write(ctx context.Context, conn *websocket.Conn, req Request) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(req)
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.lost(conn, err)
			return
		}
		var rep Reply
		if err := json.Unmarshal(data, &rep); err != nil {
			l.log.Warn().Err(err).Msg("undecodable terminal reply")
			continue
		}
		l.mu.Lock()
		ch, ok := l.pending[rep.ID]
		if ok {
			delete(l.pending, rep.ID)
		}
		l.mu.Unlock()
		if !ok {
			l.log.Debug().Str("id", rep.ID).Msg("reply for unknown request")
			continue
		}
		ch <- rep
	}
}

func (l *Link) lost(conn *websocket.Conn, err error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.failPending()
	closing := l.closing
	onLost := l.onLost
	l.mu.Unlock()

	_ = conn.Close()
	if closing {
		return
	}
	l.log.Warn().Err(err).Msg("terminal link lost")
	if onLost != nil {
		onLost(fmt.Errorf("%w: %v", ErrLinkLost, err))
	}
}

// failPending closes every waiter. Callers hold l.mu.
func (l *Link) failPending() {
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
}
