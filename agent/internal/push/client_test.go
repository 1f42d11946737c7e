package push

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fx-executor/agent/internal/config"
	"fx-executor/agent/internal/wire"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

func newClient(t *testing.T, server *miniredis.Miniredis) *Client {
	t.Helper()
	c := New(config.Push{RedisURL: "redis://" + server.Addr() + "/0", ChannelPrefix: "private-executor"}, "exec-1", zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTopics(t *testing.T) {
	c := New(config.Push{ChannelPrefix: "private-executor"}, "exec-9", zerolog.Nop())
	in, out := c.Topics()
	assert.Equal(t, "private-executor-exec-9:commands", in)
	assert.Equal(t, "private-executor-exec-9:events", out)
}

func TestInboundCommandDelivered(t *testing.T) {
	server := startTestRedis(t)
	got := make(chan wire.Descriptor, 1)
	c := New(config.Push{RedisURL: "redis://" + server.Addr() + "/0", ChannelPrefix: "private-executor"}, "exec-1", zerolog.Nop())
	c.OnCommand(func(d wire.Descriptor) { got <- d })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	in, _ := c.Topics()
	server.Publish(in, `not json`)
	server.Publish(in, `{"event":"something-else","data":{}}`)
	server.Publish(in, `{"event":"command-received","data":{"id":"c1","command":"PING","executorId":"exec-1"}}`)

	select {
	case d := <-got:
		assert.Equal(t, "c1", d.ID)
		assert.Equal(t, "PING", d.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestOutboundEventsAreEnveloped(t *testing.T) {
	server := startTestRedis(t)
	c := newClient(t, server)
	_, out := c.Topics()

	sub := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = sub.Close() })
	ps := sub.Subscribe(context.Background(), out)
	t.Cleanup(func() { _ = ps.Close() })
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.ReportResult(context.Background(), wire.Result{CommandID: "c1", Status: "EXECUTED"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env wire.PushEnvelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, wire.EventCommandResult, env.Event)
	var res wire.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "c1", res.CommandID)
}

func TestResultWithoutListenerIsNotDelivered(t *testing.T) {
	server := startTestRedis(t)
	c := newClient(t, server)

	err := c.ReportResult(context.Background(), wire.Result{CommandID: "c2", Status: "EXECUTED"})
	assert.ErrorIs(t, err, ErrNoSubscriber)

	// heartbeats stay fire-and-forget
	assert.NoError(t, c.SendHeartbeat(context.Background(), wire.HeartbeatReport{}))
}

func TestPublishWithoutConnection(t *testing.T) {
	c := New(config.Push{ChannelPrefix: "p"}, "exec-1", zerolog.Nop())
	assert.ErrorIs(t, c.SendHeartbeat(context.Background(), wire.HeartbeatReport{}), ErrNotConnected)
}

func TestServerLossIsReported(t *testing.T) {
	server := startTestRedis(t)
	lost := make(chan error, 1)
	c := New(config.Push{RedisURL: "redis://" + server.Addr() + "/0", ChannelPrefix: "p"}, "exec-1", zerolog.Nop())
	c.OnLost(func(err error) { lost <- err })
	require.NoError(t, c.Connect(context.Background()))

	server.Close()
	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loss not reported")
	}
	assert.ErrorIs(t, c.ReportResult(context.Background(), wire.Result{}), ErrNotConnected)
}

func TestCloseDoesNotReportLoss(t *testing.T) {
	server := startTestRedis(t)
	lost := make(chan error, 1)
	c := New(config.Push{RedisURL: "redis://" + server.Addr() + "/0", ChannelPrefix: "p"}, "exec-1", zerolog.Nop())
	c.OnLost(func(err error) { lost <- err })
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	select {
	case <-lost:
		t.Fatal("close reported as loss")
	case <-time.After(100 * time.Millisecond):
	}
}
