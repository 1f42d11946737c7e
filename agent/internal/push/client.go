// Package push is the executor's redis pub/sub channel: commands arrive on a private
// topic and heartbeats and results leave on another.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"fx-executor/agent/internal/config"
	"fx-executor/agent/internal/wire"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("push channel not connected")
	// ErrNoSubscriber means the publish reached redis but no control-plane
	// listener was subscribed to receive it.
	ErrNoSubscriber = errors.New("no subscriber on push topic")
)

type Client struct {
	url      string
	inTopic  string
	outTopic string
	log      zerolog.Logger

	mu        sync.Mutex
	rdb       *redis.Client
	ps        *redis.PubSub
	stop      context.CancelFunc
	onLost    func(error)
	onCommand func(wire.Descriptor)
}

func New(c config.Push, executorID string, log zerolog.Logger) *Client {
	topic := c.ChannelPrefix + "-" + executorID
	return &Client{
		url:      c.RedisURL,
		inTopic:  topic + ":commands",
		outTopic: topic + ":events",
		log:      log,
	}
}

func (c *Client) Name() string { return "push" }

func (c *Client) Topics() (in, out string) { return c.inTopic, c.outTopic }

func (c *Client) OnLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// OnCommand sets the receiver for command descriptors delivered on the topic.
func (c *Client) OnCommand(fn func(wire.Descriptor)) {
	c.mu.Lock()
	c.onCommand = fn
	c.mu.Unlock()
}

// Connect dials redis and subscribes to the command topic.
func (c *Client) Connect(ctx context.Context) error {
	opt, err := redis.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	ps := rdb.Subscribe(ctx, c.inTopic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = rdb.Close()
		return fmt.Errorf("subscribe %s: %w", c.inTopic, err)
	}

	rctx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.rdb, c.ps, c.stop = rdb, ps, stop
	c.mu.Unlock()

	go c.readLoop(rctx, ps)
	c.log.Info().Str("topic", c.inTopic).Msg("push channel subscribed")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	rdb, ps, stop := c.rdb, c.ps, c.stop
	c.rdb, c.ps, c.stop = nil, nil, nil
	c.mu.Unlock()
	if rdb == nil {
		return nil
	}
	stop()
	return errors.Join(ps.Close(), rdb.Close())
}

func (c *Client) readLoop(ctx context.Context, ps *redis.PubSub) {
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.drop(ps, err)
			return
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		c.handle([]byte(m.Payload))
	}
}

func (c *Client) handle(raw []byte) {
	var env wire.PushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Error().Err(err).Str("raw", string(raw)).Msg("invalid push message")
		return
	}
	if env.Event != wire.EventCommandReceived {
		c.log.Debug().Str("event", env.Event).Msg("ignoring push event")
		return
	}
	var d wire.Descriptor
	if err := json.Unmarshal(env.Data, &d); err != nil || d.ID == "" {
		c.log.Error().Err(err).Str("raw", string(env.Data)).Msg("invalid command descriptor")
		return
	}
	c.mu.Lock()
	fn := c.onCommand
	c.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// drop tears the connection down after a read failure and reports the loss once.
func (c *Client) drop(ps *redis.PubSub, cause error) {
	c.mu.Lock()
	if c.ps != ps {
		c.mu.Unlock()
		return
	}
	rdb, stop, fn := c.rdb, c.stop, c.onLost
	c.rdb, c.ps, c.stop = nil, nil, nil
	c.mu.Unlock()

	stop()
	_ = ps.Close()
	_ = rdb.Close()
	c.log.Warn().Err(cause).Msg("push channel lost")
	if fn != nil {
		fn(cause)
	}
}

// publish returns how many subscribers received the event.
func (c *Client) publish(ctx context.Context, event string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(wire.PushEnvelope{Event: event, Data: data})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()
	if rdb == nil {
		return 0, ErrNotConnected
	}
	n, err := rdb.Publish(ctx, c.outTopic, raw).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", event, err)
	}
	return n, nil
}

// ReportResult counts as delivered only when a listener received it.
func (c *Client) ReportResult(ctx context.Context, res wire.Result) error {
	n, err := c.publish(ctx, wire.EventCommandResult, res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("result %s: %w", res.CommandID, ErrNoSubscriber)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context, rep wire.HeartbeatReport) error {
	_, err := c.publish(ctx, wire.EventHeartbeat, rep)
	return err
}

func (c *Client) PublishStatus(ctx context.Context, p wire.StatusPatch) error {
	_, err := c.publish(ctx, wire.EventStatus, p)
	return err
}
