package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/metrics"
)

// Notifier delivers events to its sinks on a background goroutine. Notify
// never blocks: when the buffer is full the event is dropped and logged.
// A nil *Notifier discards everything.
type Notifier struct {
	sinks   []Sink
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan domain.Event
	done   chan struct{}
}

func NewNotifier(sinks []Sink, buffer int, logger *slog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		sinks:   sinks,
		log:     logger,
		now:     time.Now,
		timeout: defaultSinkTimeout,
		ch:      make(chan domain.Event, buffer),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// FromConfig builds the configured sinks. store backs the table sink.
func FromConfig(cfg config.EventsConfig, store EventStore, logger *slog.Logger) (*Notifier, error) {
	var sinks []Sink
	for _, sc := range cfg.Sinks {
		switch sc.Kind {
		case "table":
			sinks = append(sinks, Writer{Store: store})
		case "redis":
			rdb := redis.NewClient(&redis.Options{
				Addr:     sc.Addr,
				Password: sc.Password,
				DB:       sc.DB,
			})
			sinks = append(sinks, NewRedisSink(rdb, sc.Stream))
		case "webhook":
			sinks = append(sinks, NewWebhookSink(sc.URL, sc.Secret, sc.Timeout, sc.Events))
		default:
			return nil, fmt.Errorf("unknown event sink %q", sc.Kind)
		}
	}
	return NewNotifier(sinks, cfg.Buffer, logger), nil
}

// Notify queues an event for delivery.
func (n *Notifier) Notify(evtType, entityKind, entityID, actorID string, payload Payload) {
	if n == nil {
		return
	}
	e, err := Build(n.now(), evtType, entityKind, entityID, actorID, payload)
	if err != nil {
		n.log.Error("build event", "type", evtType, "err", err)
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- e:
	default:
		metrics.EventsDropped.Inc()
		n.log.Warn("event buffer full, dropping event", "type", evtType, "entity_id", entityID)
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for e := range n.ch {
		for _, s := range n.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			if err := s.Publish(ctx, e); err != nil {
				n.log.Warn("event sink failed", "sink", s.Name(), "type", e.Type, "err", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, drains the queue and closes sinks that hold connections.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.ch)
	n.mu.Unlock()
	<-n.done
	for _, s := range n.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				n.log.Warn("close event sink", "sink", s.Name(), "err", err)
			}
		}
	}
	return nil
}
