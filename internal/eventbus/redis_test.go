package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type ping struct {
	N int `json:"n"`
}

func pendingCount(t *testing.T, client *redis.Client, stream string) int {
	t.Helper()
	pending, err := client.XPendingExt(context.Background(), &redis.XPendingExtArgs{
		Stream: stream,
		Group:  "g",
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	require.NoError(t, err)
	return len(pending)
}

func setupBus(t *testing.T, opts Options) (*miniredis.Miniredis, *redis.Client, *RedisBus) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if opts.Block == 0 {
		opts.Block = 50 * time.Millisecond
	}
	opts.Consumer = "test"
	return mr, client, NewRedisBus(client, zap.NewNop(), nil, opts)
}

func TestPublishImmediate(t *testing.T) {
	_, client, bus := setupBus(t, Options{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "answer.created", 0, ping{N: 1}))

	msgs, err := client.XRange(ctx, "events:answer.created", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"n":1}`, msgs[0].Values["data"])
	assert.Equal(t, "answer.created", msgs[0].Values["topic"])
}

func TestPublishDelayedMovesWhenDue(t *testing.T) {
	_, client, bus := setupBus(t, Options{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "questionnaire.answer.batch", 200*time.Millisecond, ping{N: 1}))
	// Identical payloads stay distinct members
	require.NoError(t, bus.Publish(ctx, "questionnaire.answer.batch", 200*time.Millisecond, ping{N: 1}))
	assert.Equal(t, int64(2), client.ZCard(ctx, delayedKey).Val())

	n, err := bus.MoveDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = bus.MoveDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(0), client.ZCard(ctx, delayedKey).Val())

	msgs, err := client.XRange(ctx, "events:questionnaire.answer.batch", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, `{"n":1}`, msgs[0].Values["data"])
}

func TestRunDeliversAndAcks(t *testing.T) {
	_, client, bus := setupBus(t, Options{Group: "g", PollInterval: 10 * time.Millisecond})

	got := make(chan ping, 2)
	bus.Subscribe("answer.process", Typed(zap.NewNop(), "answer.process", func(ctx context.Context, p ping) error {
		got <- p
		return nil
	}), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.Exists(context.Background(), "events:answer.process").Val() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "answer.process", 0, ping{N: 1}))
	require.NoError(t, bus.Publish(context.Background(), "answer.process", 30*time.Millisecond, ping{N: 2}))

	received := map[int]bool{}
	for len(received) < 2 {
		select {
		case p := <-got:
			received[p.N] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, received %v", received)
		}
	}

	require.Eventually(t, func() bool {
		return pendingCount(t, client, "events:answer.process") == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFailedDeliveryIsReclaimed(t *testing.T) {
	_, client, bus := setupBus(t, Options{Group: "g", ClaimIdle: time.Millisecond, MaxDeliveries: 3})
	ctx := context.Background()

	var calls int32
	c := bus.newConsumer(subscription{
		topic:   "answer.created",
		timeout: time.Second,
		handler: func(ctx context.Context, payload []byte) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
	})
	require.NoError(t, bus.ensureGroup(ctx, c.stream))
	require.NoError(t, bus.Publish(ctx, "answer.created", 0, ping{N: 1}))

	require.NoError(t, c.readOnce(ctx))
	c.wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	time.Sleep(10 * time.Millisecond)
	n, err := c.reclaimOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c.wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	assert.Equal(t, 0, pendingCount(t, client, c.stream))
}

func TestPoisonDeliveryIsDeadLettered(t *testing.T) {
	_, client, bus := setupBus(t, Options{Group: "g", ClaimIdle: time.Millisecond, MaxDeliveries: 1})
	ctx := context.Background()

	c := bus.newConsumer(subscription{
		topic:   "answer.created",
		timeout: time.Second,
		handler: func(ctx context.Context, payload []byte) error {
			return errors.New("always")
		},
	})
	require.NoError(t, bus.ensureGroup(ctx, c.stream))
	require.NoError(t, bus.Publish(ctx, "answer.created", 0, ping{N: 7}))

	require.NoError(t, c.readOnce(ctx))
	c.wg.Wait()

	time.Sleep(10 * time.Millisecond)
	n, err := c.reclaimOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	dead, err := client.XRange(ctx, deadStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, `{"n":7}`, dead[0].Values["data"])
	assert.Equal(t, "events:answer.created", dead[0].Values["source"])

	assert.Equal(t, 0, pendingCount(t, client, c.stream))
}

// ackFailure fails every XACK sent through the client
type ackFailure struct{}

func (ackFailure) DialHook(next redis.DialHook) redis.DialHook { return next }

func (ackFailure) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "xack" {
			err := errors.New("connection reset")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (ackFailure) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestDeadLetterLogsAckFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zapcore.DebugLevel)
	bus := NewRedisBus(client, zap.New(core), nil, Options{Group: "g", Consumer: "test"})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "answer.process", 0, ping{N: 3}))
	msgs, err := client.XRange(ctx, "events:answer.process", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	client.AddHook(ackFailure{})
	c := bus.newConsumer(subscription{topic: "answer.process", timeout: time.Second})
	c.deadLetter(ctx, msgs[0].ID, 5)

	dead, err := client.XRange(ctx, deadStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)

	failed := logs.FilterMessage("failed to ack dead-lettered event").All()
	require.Len(t, failed, 1)
	assert.Equal(t, msgs[0].ID, failed[0].ContextMap()["message_id"])
	assert.Equal(t, "connection reset", failed[0].ContextMap()["error"])
}

func TestTypedDropsUndecodablePayload(t *testing.T) {
	called := false
	h := Typed(zap.NewNop(), "t", func(ctx context.Context, p ping) error {
		called = true
		return nil
	})

	assert.NoError(t, h(context.Background(), []byte("{not json")))
	assert.False(t, called)
}
