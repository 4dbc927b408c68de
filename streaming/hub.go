package streaming

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Publisher is what producers of live events depend on.
type Publisher interface {
	Publish(channel string, payload []byte)
}

// Message is one event delivered to a subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Hub fans published payloads out to in-process subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	logger  *zap.Logger
	dropped atomic.Uint64
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (h *Hub) Publish(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[channel] {
		select {
		case sub.c <- Message{Channel: channel, Payload: payload}:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Streaming: dropped message for slow subscriber", zap.String("channel", channel))
		}
	}
}

// Subscribe registers for the given channels until Close is called.
func (h *Hub) Subscribe(channels ...string) *Subscription {
	sub := &Subscription{hub: h, channels: channels, c: make(chan Message, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		if h.subs[ch] == nil {
			h.subs[ch] = make(map[*Subscription]struct{})
		}
		h.subs[ch][sub] = struct{}{}
	}
	return sub
}

// Subscribers returns how many subscriptions listen on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Dropped returns how many messages were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

type Subscription struct {
	hub      *Hub
	channels []string
	c        chan Message
	once     sync.Once
}

// C delivers messages until the subscription is closed.
func (s *Subscription) C() <-chan Message {
	return s.c
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ch := range s.channels {
			delete(h.subs[ch], s)
			if len(h.subs[ch]) == 0 {
				delete(h.subs, ch)
			}
		}
		close(s.c)
	})
}
