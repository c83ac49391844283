// Package bus is the in-process notification bus shared by relays,
// sessions and the dashboard. One Bus is created per process and injected.
package bus

import (
	"sync"
)

// Well-known topics.
const (
	TopicNewRound   = "round/new"
	TopicLogDebug   = "log/debug"
	TopicLogInfo    = "log/info"
	TopicLogError   = "log/error"
	TopicConnection = "upstream/connection"
)

// Handler receives published payloads, one at a time, in publish order.
type Handler func(payload any)

type subscriber struct {
	handler Handler

	mu     sync.Mutex
	queue  []any
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newSubscriber(h Handler) *subscriber {
	s := &subscriber{
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(payload any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	// wake is only closed under mu, so the send cannot race with close.
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

func (s *subscriber) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			payload := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.handler(payload)
		}
	}
}

// close drains what is already queued, then stops the delivery goroutine.
func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.wake)
	s.mu.Unlock()
}

// Bus delivers each payload to every subscriber of its topic.
// Publish never blocks on a slow subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Publish queues payload for all current subscribers of topic.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[topic] {
		s.push(payload)
	}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	s := newSubscriber(h)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return func() {}
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[topic]
			for i, cur := range list {
				if cur == s {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			s.close()
		})
	}
}

// Close stops all subscribers after they drain their queues and waits for them.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	for _, s := range all {
		<-s.done
	}
}

// Logf-style helpers used by components that publish operator-facing lines.

func (b *Bus) Debug(msg string) { b.Publish(TopicLogDebug, msg) }
func (b *Bus) Info(msg string)  { b.Publish(TopicLogInfo, msg) }
func (b *Bus) Error(msg string) { b.Publish(TopicLogError, msg) }
