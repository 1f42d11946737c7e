// Package platform is the executor's REST channel to the control plane.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"fx-executor/agent/internal/auth"
	"fx-executor/agent/internal/config"
	"fx-executor/agent/internal/state"
	"fx-executor/agent/internal/wire"

	"github.com/rs/zerolog"
)

// StatusError is a non-2xx reply from the platform.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	base   string
	signer *auth.Signer
	http   *http.Client
	log    zerolog.Logger

	registered atomic.Bool
	mu         sync.Mutex
	onLost     func(error)
}

func New(p config.Platform, e config.Executor, log zerolog.Logger) *Client {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   p.URL + "/api/executor/" + url.PathEscape(e.ID),
		signer: auth.NewSigner(e.ID, e.APIKey, e.APISecret),
		http:   &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (c *Client) Name() string { return "rest" }

// OnLost registers fn to be told about transport failures.
func (c *Client) OnLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// Connect checks reachability and registers the executor on the first success.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	if c.registered.Load() {
		return nil
	}
	if err := c.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.registered.Store(true)
	return nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

func (c *Client) Register(ctx context.Context) error {
	host, _ := os.Hostname()
	reg := wire.Registration{
		ExecutorID: c.signer.ExecutorID,
		Version:    state.GetVersion(),
		Hostname:   host,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
	if err := c.do(ctx, http.MethodPost, "/register", reg, nil); err != nil {
		return err
	}
	c.log.Info().Str("hostname", host).Msg("executor registered with platform")
	return nil
}

// SendHeartbeat posts rep and returns any pending commands listed in the reply.
func (c *Client) SendHeartbeat(ctx context.Context, rep wire.HeartbeatReport) ([]wire.Descriptor, error) {
	var out wire.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/heartbeat", rep, &out); err != nil {
		return nil, err
	}
	return out.PendingCommands, nil
}

func (c *Client) PendingCommands(ctx context.Context) ([]wire.Descriptor, error) {
	var out wire.PendingCommands
	if err := c.do(ctx, http.MethodGet, "/commands/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

func (c *Client) ReportResult(ctx context.Context, res wire.Result) error {
	return c.do(ctx, http.MethodPost, "/command/"+url.PathEscape(res.CommandID)+"/result", res, nil)
}

func (c *Client) ReportTrade(ctx context.Context, t wire.Trade) error {
	return c.do(ctx, http.MethodPost, "/trade", t, nil)
}

func (c *Client) ReportTradeClose(ctx context.Context, ticket string, tc wire.TradeClose) error {
	return c.do(ctx, http.MethodPost, "/trade/"+url.PathEscape(ticket)+"/close", tc, nil)
}

func (c *Client) ReportSafetyAlert(ctx context.Context, a wire.SafetyAlert) error {
	return c.do(ctx, http.MethodPost, "/alerts/safety", a, nil)
}

func (c *Client) ReportError(ctx context.Context, e wire.ErrorReport) error {
	return c.do(ctx, http.MethodPost, "/errors", e, nil)
}

func (c *Client) PatchStatus(ctx context.Context, p wire.StatusPatch) error {
	return c.do(ctx, http.MethodPatch, "/status", p, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.signer.Apply(req); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil || errors.Is(err, context.DeadlineExceeded) {
			c.lost(err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) lost(err error) {
	c.mu.Lock()
	fn := c.onLost
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
