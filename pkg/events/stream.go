// Package events publishes order lifecycle events to a Redis Stream and
// feeds them to notifier consumers through a consumer group.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bookstore/internal/util"
)

// Event kinds published by the order flow.
const (
	KindOrderPaid    = "order.paid"
	KindOrderShipped = "order.shipped"
)

// Event is one order lifecycle notification.
type Event struct {
	Kind    string    `json:"kind"`
	OrderID string    `json:"order_id"`
	UserID  string    `json:"user_id"`
	StoreID string    `json:"store_id"`
	At      time.Time `json:"at"`
}

// Config configures the stream connection.
type Config struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	MaxLen   int64
	Block    time.Duration
}

// Stream is a Redis Streams publisher plus consumer-group reader. A nil
// *Stream is a valid no-op publisher, so callers can leave events unwired.
type Stream struct {
	client *redis.Client
	stream string
	group  string
	maxLen int64
	block  time.Duration
	once   sync.Once
}

// NewStream connects to Redis and prepares the stream handle.
func NewStream(cfg Config) (*Stream, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "bookstore:orders"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "notifier"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Stream{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream: stream,
		group:  group,
		maxLen: maxLen,
		block:  block,
	}, nil
}

// Publish appends the event to the stream, trimming old entries past MaxLen.
func (s *Stream) Publish(ctx context.Context, ev Event) error {
	if s == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":     ev.Kind,
			"order_id": ev.OrderID,
			"user_id":  ev.UserID,
			"store_id": ev.StoreID,
			"at":       ev.At.Format(time.RFC3339Nano),
		},
	}).Err()
}

// Start launches a consumer goroutine that invokes handler for every event
// until ctx is done. Messages are acked once the handler returns, so a
// crashed notifier redelivers through the consumer group.
func (s *Stream) Start(ctx context.Context, consumer string, handler func(context.Context, Event)) {
	if s == nil || handler == nil {
		return
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	s.ensureGroup(ctx)
	go s.consumeLoop(ctx, consumer, handler)
}

func (s *Stream) ensureGroup(ctx context.Context) {
	s.once.Do(func() {
		err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group", "stream", s.stream, "group", s.group, "err", err)
		}
	})
}

// readRetryDelay spaces out retries after a failed stream read so an
// unreachable Redis cannot busy-loop the consumer.
const readRetryDelay = time.Second

func (s *Stream) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: consumer,
			Streams:  []string{s.stream, ">"},
			Count:    10,
			Block:    s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			// redis.Nil is the idle case: the blocking read timed out with
			// nothing to deliver.
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Warn("read order events", "stream", s.stream, "group", s.group, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if ev, ok := decodeEvent(msg); ok {
					handler(ctx, ev)
				}
				s.ackAndDel(ctx, msg.ID)
			}
		}
	}
}

func (s *Stream) ackAndDel(ctx context.Context, msgID string) {
	_, _ = s.client.XAck(ctx, s.stream, s.group, msgID).Result()
	_, _ = s.client.XDel(ctx, s.stream, msgID).Result()
}

func decodeEvent(msg redis.XMessage) (Event, bool) {
	kind, _ := msg.Values["kind"].(string)
	orderID, _ := msg.Values["order_id"].(string)
	if kind == "" || orderID == "" {
		return Event{}, false
	}
	ev := Event{Kind: kind, OrderID: orderID}
	ev.UserID, _ = msg.Values["user_id"].(string)
	ev.StoreID, _ = msg.Values["store_id"].(string)
	if raw, _ := msg.Values["at"].(string); raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ev.At = at
		}
	}
	return ev, true
}
