package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/broker"
)

const defaultBufferSize = 64

var _ broker.Broker = (*Bus)(nil)

// Bus is an in-process broker.Broker. Each subscriber gets its own bounded
// queue drained by its own goroutine; when a queue fills, the oldest event is
// dropped so publishers never block on a slow listener.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	topics  map[string]struct{}
	queue   chan broker.Event
	handler broker.Handler
	done    chan struct{}
}

// NewBus creates a new in-process event bus.
func NewBus(opts ...Option) (*Bus, error) {
	b := &Bus{bufferSize: defaultBufferSize, subs: make(map[int]*subscriber)}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		b.logger = l
	}
	return b, nil
}

func (b *Bus) Connect() error { return nil }

// Disconnect stops delivery to all subscribers.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.subs = make(map[int]*subscriber)
	return nil
}

// Publish delivers payload to every subscriber of topic. Payload may be a
// []byte, a string, or any JSON-marshalable value.
func (b *Bus) Publish(topic string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	ev := broker.Event{Topic: topic, Payload: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is disconnected")
	}
	for _, sub := range b.subs {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		for {
			select {
			case sub.queue <- ev:
			default:
				// Queue full: drop the oldest queued event, then retry.
				select {
				case <-sub.queue:
					b.logger.Debug("slow listener, dropping oldest event", zap.String("topic", topic))
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// Subscribe registers h for the given topics. Delivery runs until Disconnect.
func (b *Bus) Subscribe(topics []string, h broker.Handler) error {
	if len(topics) == 0 {
		return fmt.Errorf("no topics provided")
	}

	sub := &subscriber{
		topics:  make(map[string]struct{}, len(topics)),
		queue:   make(chan broker.Event, b.bufferSize),
		handler: h,
		done:    make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is disconnected")
	}
	b.nextID++
	b.subs[b.nextID] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for ev := range sub.queue {
			if err := sub.handler(ev); err != nil {
				b.logger.Error("event handler error", zap.String("topic", ev.Topic), zap.Error(err))
			}
		}
	}()
	return nil
}

func (b *Bus) String() string { return "Broker [in-process]" }

func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}
