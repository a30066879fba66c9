package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// RedisBus implements Bus on top of Redis pub/sub and the Redis keyspace:
// PUBLISH/SUBSCRIBE for events, SET NX EX for conditional locks, SCAN for
// key enumeration.
type RedisBus struct {
	client *redis.Client
	logger *logger.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	queues map[string]*redisQueueGroup
	closed bool
}

type redisQueueGroup struct {
	mu          sync.Mutex
	subscribers []*redisSubscription
	nextIndex   int
}

// NewRedisBus dials url (a redis:// or rediss:// URL) and returns a Bus
// backed by it.
func NewRedisBus(ctx context.Context, url string, log *logger.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{
		client: client,
		logger: log,
		subs:   make(map[*redisSubscription]struct{}),
		queues: make(map[string]*redisQueueGroup),
	}, nil
}

type wireEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func toWire(e *Event) wireEvent {
	return wireEvent{ID: e.ID, Type: e.Type, Source: e.Source, Timestamp: e.Timestamp, Data: e.Data}
}

func fromWire(w wireEvent) *Event {
	return &Event{ID: w.ID, Type: w.Type, Source: w.Source, Timestamp: w.Timestamp, Data: w.Data}
}

type redisSubscription struct {
	bus     *RedisBus
	pubsub  *redis.PubSub
	subject string
	queue   string
	cancel  context.CancelFunc
	mu      sync.Mutex
	active  bool
}

func (s *redisSubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.cancel()
	err := s.pubsub.Close()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	s.bus.mu.Unlock()

	return err
}

func (s *redisSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// redisSubject converts a NATS-style subject (dot-delimited, "*"/">"
// wildcards) into a Redis pattern-subscribe glob ("*"/"?").
func redisSubject(subject string) (string, bool) {
	if strings.ContainsAny(subject, "*>") {
		glob := strings.ReplaceAll(subject, ">", "*")
		return glob, true
	}
	return subject, false
}

func (b *RedisBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(toWire(event))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (b *RedisBus) subscribe(subject, queue string, handler EventHandler) (*redisSubscription, error) {
	if !b.IsConnected() {
		return nil, fmt.Errorf("bus is closed")
	}

	glob, wildcard := redisSubject(subject)

	var pubsub *redis.PubSub
	ctx, cancel := context.WithCancel(context.Background())
	if wildcard {
		pubsub = b.client.PSubscribe(ctx, glob)
	} else {
		pubsub = b.client.Subscribe(ctx, subject)
	}

	sub := &redisSubscription{bus: b, pubsub: pubsub, subject: subject, queue: queue, active: true, cancel: cancel}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	if queue != "" {
		key := queue + ":" + subject
		if _, ok := b.queues[key]; !ok {
			b.queues[key] = &redisQueueGroup{}
		}
		b.queues[key].subscribers = append(b.queues[key].subscribers, sub)
	}
	b.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				b.logger.Error("decode event failed", zap.Error(err))
				continue
			}
			event := fromWire(w)

			if queue != "" {
				key := queue + ":" + subject
				if !b.shouldHandleInQueue(key, sub) {
					continue
				}
			}

			if err := handler(ctx, event); err != nil {
				b.logger.Error("event handler error", zap.String("subject", subject), zap.Error(err))
			}
		}
	}()

	return sub, nil
}

// shouldHandleInQueue picks one subscriber per queue group, round-robin,
// per delivered message, mirroring MemoryBus's load balancing even though
// Redis itself fans PUBLISH out to every subscriber.
func (b *RedisBus) shouldHandleInQueue(key string, self *redisSubscription) bool {
	b.mu.Lock()
	qg, ok := b.queues[key]
	b.mu.Unlock()
	if !ok {
		return true
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()
	if len(qg.subscribers) == 0 {
		return true
	}
	chosen := qg.subscribers[qg.nextIndex%len(qg.subscribers)]
	qg.nextIndex++
	return chosen == self
}

func (b *RedisBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

func (b *RedisBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *RedisBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)

	responseChan := make(chan *Event, 1)
	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = map[string]any{}
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-responseChan:
		return resp, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return ok, nil
}

func (b *RedisBus) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get: %w", err)
	}
	return val, true, nil
}

func (b *RedisBus) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBus) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return keys, nil
}

func (b *RedisBus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	_ = b.client.Close()
}

func (b *RedisBus) IsConnected() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	return !closed
}
