package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rfiassist/internal/metrics"
)

const (
	streamPrefix = "events:"
	delayedKey   = "events:delayed"
	deadStream   = "events:dead"
)

// moveDueScript moves due entries of the delayed set onto their topic streams.
// KEYS[1] delayed set, ARGV[1] now (ms), ARGV[2] max items, ARGV[3] stream prefix
var moveDueScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, item in ipairs(items) do
	local env = cjson.decode(item)
	redis.call('XADD', ARGV[3] .. env.topic, '*', 'topic', env.topic, 'data', env.data, 'id', env.id)
	redis.call('ZREM', KEYS[1], item)
end
return #items
`)

// envelope is the delayed set member. id keeps identical payloads distinct.
type envelope struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Data  string `json:"data"`
}

type Options struct {
	Group          string        // Consumer group shared by every replica
	Consumer       string        // Unique per process
	Concurrency    int           // Handlers in flight per topic
	HandlerTimeout time.Duration // Default per-delivery deadline
	Block          time.Duration // XREADGROUP block
	PollInterval   time.Duration // Delayed set sweep
	ClaimIdle      time.Duration // Pending deliveries older than this are reclaimed
	MaxDeliveries  int64         // After this many attempts a delivery is dead-lettered
}

func (o *Options) defaults() {
	if o.Group == "" {
		o.Group = "rfiassist"
	}
	if o.Consumer == "" {
		host, _ := os.Hostname()
		o.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 5 * time.Minute
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = o.HandlerTimeout + time.Minute
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
}

type subscription struct {
	topic   string
	handler Handler
	timeout time.Duration
}

// RedisBus is a Bus on Redis Streams. Immediate events are XADDed to events:<topic>;
// delayed events wait in a sorted set scored by due time until the sweeper moves them.
type RedisBus struct {
	client  *redis.Client
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu   sync.Mutex
	subs []subscription
}

// NewRedisBus creates a bus. m may be nil.
func NewRedisBus(client *redis.Client, log *zap.Logger, m *metrics.Metrics, opts Options) *RedisBus {
	opts.defaults()
	return &RedisBus{
		client:  client,
		log:     log.Named("eventbus"),
		metrics: m,
		opts:    opts,
	}
}

func streamName(topic string) string {
	return streamPrefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, after time.Duration, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}

	if after <= 0 {
		err = b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamName(topic),
			Values: map[string]interface{}{"topic": topic, "data": string(data), "id": uuid.NewString()},
		}).Err()
		if err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	}

	member, err := json.Marshal(envelope{ID: uuid.NewString(), Topic: topic, Data: string(data)})
	if err != nil {
		return err
	}
	due := time.Now().Add(after).UnixMilli()
	if err := b.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("schedule %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string, handler Handler, timeout time.Duration) {
	if timeout <= 0 {
		timeout = b.opts.HandlerTimeout
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{topic: topic, handler: handler, timeout: timeout})
}

// Run creates consumer groups and serves every subscription until ctx is done.
// In-flight handlers are waited for before Run returns.
func (b *RedisBus) Run(ctx context.Context) error {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if err := b.ensureGroup(ctx, streamName(s.topic)); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.sweepDelayed(ctx)
	}()

	consumers := make([]*consumer, 0, len(subs))
	for _, s := range subs {
		c := b.newConsumer(s)
		consumers = append(consumers, c)
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.run(ctx)
		}()
		go func() {
			defer wg.Done()
			c.reclaim(ctx)
		}()
	}

	b.log.Info("event bus started",
		zap.Int("subscriptions", len(subs)),
		zap.String("group", b.opts.Group),
		zap.String("consumer", b.opts.Consumer),
	)
	<-ctx.Done()
	wg.Wait()
	for _, c := range consumers {
		c.wg.Wait()
	}
	return nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

// MoveDue moves due delayed events onto their streams and returns how many moved
func (b *RedisBus) MoveDue(ctx context.Context, now time.Time) (int, error) {
	n, err := moveDueScript.Run(ctx, b.client, []string{delayedKey}, now.UnixMilli(), 100, streamPrefix).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *RedisBus) sweepDelayed(ctx context.Context) {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := b.MoveDue(ctx, time.Now())
				if err != nil {
					if ctx.Err() == nil {
						b.log.Warn("delayed sweep failed", zap.Error(err))
					}
					break
				}
				if n < 100 {
					break
				}
			}
		}
	}
}

type consumer struct {
	bus    *RedisBus
	sub    subscription
	stream string
	sem    chan struct{}
	wg     sync.WaitGroup
}

func (b *RedisBus) newConsumer(s subscription) *consumer {
	return &consumer{bus: b, sub: s, stream: streamName(s.topic), sem: make(chan struct{}, b.opts.Concurrency)}
}

func (c *consumer) run(ctx context.Context) {
	log := c.bus.log.With(zap.String("topic", c.sub.topic))
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to consume events", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = time.Second
	}
}

func (c *consumer) readOnce(ctx context.Context) error {
	streams, err := c.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.bus.opts.Group,
		Consumer: c.bus.opts.Consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(c.bus.opts.Concurrency),
		Block:    c.bus.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			c.dispatch(ctx, msg)
		}
	}
	return nil
}

// dispatch runs the handler once a concurrency slot is free
func (c *consumer) dispatch(ctx context.Context, msg redis.XMessage) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	if ctx.Err() != nil {
		<-c.sem
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		c.handle(ctx, msg)
	}()
}

func (c *consumer) handle(ctx context.Context, msg redis.XMessage) {
	log := c.bus.log.With(zap.String("topic", c.sub.topic), zap.String("message_id", msg.ID))
	data, _ := msg.Values["data"].(string)

	hctx, cancel := context.WithTimeout(ctx, c.sub.timeout)
	defer cancel()

	start := time.Now()
	err := c.safeHandle(hctx, []byte(data))
	c.observe(start, err)
	if err != nil {
		// Left pending; the reclaimer redelivers it
		log.Error("event handler failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	if err := c.bus.client.XAck(ctx, c.stream, c.bus.opts.Group, msg.ID).Err(); err != nil {
		log.Warn("failed to ack event", zap.Error(err))
	}
}

func (c *consumer) safeHandle(ctx context.Context, data []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return c.sub.handler(ctx, data)
}

func (c *consumer) observe(start time.Time, err error) {
	m := c.bus.metrics
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventsHandled.WithLabelValues(c.sub.topic, outcome).Inc()
	m.HandlerDuration.WithLabelValues(c.sub.topic).Observe(time.Since(start).Seconds())
}

// reclaim periodically takes over deliveries that stayed pending past ClaimIdle,
// which covers failed handlers and consumers that died mid-delivery.
func (c *consumer) reclaim(ctx context.Context) {
	interval := c.bus.opts.ClaimIdle / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.reclaimOnce(ctx); err != nil && ctx.Err() == nil {
				c.bus.log.Warn("reclaim failed", zap.String("topic", c.sub.topic), zap.Error(err))
			}
		}
	}
}

// reclaimOnce claims idle pending deliveries, dead-letters those past MaxDeliveries
// and redispatches the rest. It returns the number redispatched.
func (c *consumer) reclaimOnce(ctx context.Context) (int, error) {
	opts := c.bus.opts
	pending, err := c.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  opts.Group,
		Idle:   opts.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return 0, err
	}

	var retry []string
	for _, p := range pending {
		if p.RetryCount >= opts.MaxDeliveries {
			c.deadLetter(ctx, p.ID, p.RetryCount)
			continue
		}
		retry = append(retry, p.ID)
	}
	if len(retry) == 0 {
		return 0, nil
	}

	msgs, err := c.bus.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    opts.Group,
		Consumer: opts.Consumer,
		MinIdle:  opts.ClaimIdle,
		Messages: retry,
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		c.dispatch(ctx, msg)
	}
	return len(msgs), nil
}

func (c *consumer) deadLetter(ctx context.Context, id string, deliveries int64) {
	log := c.bus.log.With(zap.String("topic", c.sub.topic), zap.String("message_id", id))
	msgs, err := c.bus.client.XRangeN(ctx, c.stream, id, id, 1).Result()
	if err == nil && len(msgs) == 1 {
		values := msgs[0].Values
		values["deliveries"] = deliveries
		values["source"] = c.stream
		err = c.bus.client.XAdd(ctx, &redis.XAddArgs{Stream: deadStream, Values: values}).Err()
	}
	if err != nil {
		log.Warn("failed to dead-letter event", zap.Error(err))
		return
	}
	log.Error("event dead-lettered", zap.Int64("deliveries", deliveries))
	if err := c.bus.client.XAck(ctx, c.stream, c.bus.opts.Group, id).Err(); err != nil {
		log.Warn("failed to ack dead-lettered event", zap.Error(err))
	}
}
