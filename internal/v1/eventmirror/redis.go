// Package eventmirror optionally republishes the orchestrator's event
// stream over Redis pub/sub (spec.md §4.8) so an out-of-process
// observer — a log-shipping sidecar, a dashboard — can watch the same
// events without holding the chat socket itself. Entirely optional;
// when unconfigured the orchestrator never imports this package's
// runtime behavior beyond a nil check.
package eventmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/logging"
	"github.com/nullhq/teamchat-go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// MirroredEvent is the envelope published for each orchestrator event.
type MirroredEvent struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	At           time.Time       `json:"at"`
	Installation string          `json:"installation"`
}

// Service publishes MirroredEvents to a Redis channel scoped to one
// installation. A degraded Redis must never back-pressure the event
// path its events are drawn from (spec.md property 11); Publish is
// therefore called from a single internal goroutine draining a bounded
// channel, never synchronously from the event-emitting goroutine.
type Service struct {
	client       *redis.Client
	cb           *gobreaker.CircuitBreaker
	installation string
	queue        chan queuedEvent
	done         chan struct{}
}

type queuedEvent struct {
	eventType string
	payload   any
	at        time.Time
}

// New connects to addr and returns a Service scoped to installation.
// The queue drain goroutine is started immediately; call Close to stop
// it.
func New(addr, password, installation string) (*Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventmirror: connecting to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "eventmirror",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateHalfOpen:
				v = 1
			case gobreaker.StateOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("eventmirror").Set(v)
		},
	}

	s := &Service{
		client:       client,
		cb:           gobreaker.NewCircuitBreaker(st),
		installation: installation,
		queue:        make(chan queuedEvent, 256),
		done:         make(chan struct{}),
	}
	go s.drain()
	return s, nil
}

// channelFor returns the pub/sub channel name for an installation, using
// the installation string given to New verbatim.
func channelFor(installation string) string {
	return "chat:" + installation
}

// Mirror hands an event off to the background publisher. It never
// blocks the caller beyond a full queue (in which case the event is
// dropped and counted, never fatal).
func (s *Service) Mirror(eventType string, payload any) {
	if s == nil {
		return
	}
	select {
	case s.queue <- queuedEvent{eventType: eventType, payload: payload, at: time.Now()}:
	default:
		metrics.RedisOperationsTotal.WithLabelValues("mirror_publish", "dropped").Inc()
		logging.Warn(context.Background(), "eventmirror queue full, dropping event", zap.String("type", eventType))
	}
}

func (s *Service) drain() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.publish(ev)
		}
	}
}

func (s *Service) publish(ev queuedEvent) {
	start := time.Now()
	innerBytes, err := json.Marshal(ev.payload)
	if err != nil {
		logging.Error(context.Background(), "eventmirror: marshal payload", zap.Error(err))
		metrics.RedisOperationsTotal.WithLabelValues("mirror_publish", "error").Inc()
		return
	}

	envelope := MirroredEvent{Type: ev.eventType, Payload: innerBytes, At: ev.at, Installation: s.installation}
	data, err := json.Marshal(envelope)
	if err != nil {
		logging.Error(context.Background(), "eventmirror: marshal envelope", zap.Error(err))
		metrics.RedisOperationsTotal.WithLabelValues("mirror_publish", "error").Inc()
		return
	}

	_, err = s.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return nil, s.client.Publish(ctx, channelFor(s.installation), data).Err()
	})
	metrics.RedisOperationDuration.WithLabelValues("mirror_publish").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("eventmirror").Inc()
		}
		metrics.RedisOperationsTotal.WithLabelValues("mirror_publish", "error").Inc()
		logging.Warn(context.Background(), "eventmirror: publish failed, dropping", zap.Error(err))
		return
	}
	metrics.RedisOperationsTotal.WithLabelValues("mirror_publish", "ok").Inc()
}

// Subscribe listens for MirroredEvents on installation's channel until
// ctx is cancelled, invoking handler for each successfully decoded one.
func Subscribe(ctx context.Context, client *redis.Client, installation string, handler func(MirroredEvent)) {
	pubsub := client.Subscribe(ctx, channelFor(installation))
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev MirroredEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logging.Error(ctx, "eventmirror: decode message", zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
	}()
}

// Close stops the drain goroutine and the underlying Redis connection.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	close(s.done)
	return s.client.Close()
}
