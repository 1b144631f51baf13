// Package stream fans ordered session events out to subscribers.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownTopic = errors.New("unknown session topic")
	ErrTopicClosed  = errors.New("session topic closed")
	// ErrDelivery marks a subscriber whose transport broke. It is only ever
	// returned to that subscriber's writer.
	ErrDelivery = errors.New("stream delivery failed")
)

// Subscription receives the events of one topic published after it was
// created. The channel is closed after the terminal event or on Unsubscribe.
type Subscription struct {
	id      uint64
	topic   string
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Topic() string { return s.topic }

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// deliver never blocks: when the buffer is full the oldest buffered event is
// discarded to make room. Only the consumer removes from ch concurrently, so
// the loop ends after at most one eviction.
func (s *Subscription) deliver(ev Event) bool {
	dropped := false
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

type topic struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	seq    uint64
	closed bool
}

// Broker holds one topic per session. The topic map lock is only held for
// lookups; publication and subscriber changes lock the topic alone.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic

	buffer int
	nextID atomic.Uint64
	onDrop func(topic string)
	now    func() time.Time
}

type Option func(*Broker)

// WithDropHook is called, under the topic lock, for every evicted event.
func WithDropHook(fn func(topic string)) Option {
	return func(b *Broker) { b.onDrop = fn }
}

func NewBroker(buffer int, opts ...Option) *Broker {
	if buffer < 1 {
		buffer = 256
	}
	b := &Broker{
		topics: make(map[string]*topic),
		buffer: buffer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates the topic for id. Opening an existing topic is a no-op.
func (b *Broker) Open(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[id]; !ok {
		b.topics[id] = &topic{subs: make(map[uint64]*Subscription)}
	}
}

func (b *Broker) lookup(id string) (*topic, error) {
	b.mu.RLock()
	t, ok := b.topics[id]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownTopic
	}
	return t, nil
}

// Publish stamps ev with the next sequence number and delivers it to every
// current subscriber in one critical section, so all subscribers observe the
// same order.
func (b *Broker) Publish(id string, ev Event) (Event, error) {
	t, err := b.lookup(id)
	if err != nil {
		return ev, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ev, ErrTopicClosed
	}
	ev = b.stamp(t, id, ev)
	b.fanOut(t, ev)
	return ev, nil
}

func (b *Broker) stamp(t *topic, id string, ev Event) Event {
	t.seq++
	ev.Seq = t.seq
	ev.SessionID = id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	return ev
}

func (b *Broker) fanOut(t *topic, ev Event) {
	for _, s := range t.subs {
		if s.deliver(ev) && b.onDrop != nil {
			b.onDrop(s.topic)
		}
	}
}

// Subscribe attaches a subscriber. There is no replay: it receives only
// events published after this call.
func (b *Broker) Subscribe(id string) (*Subscription, error) {
	t, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTopicClosed
	}
	s := &Subscription{
		id:    b.nextID.Add(1),
		topic: id,
		ch:    make(chan Event, b.buffer),
	}
	t.subs[s.id] = s
	return s, nil
}

// Unsubscribe detaches s and closes its channel. Safe after Close.
func (b *Broker) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	if t, err := b.lookup(s.topic); err == nil {
		t.mu.Lock()
		delete(t.subs, s.id)
		t.mu.Unlock()
	}
	s.close()
}

// Close publishes final as the last event of the topic, closes every
// subscriber channel and forgets the topic.
func (b *Broker) Close(id string, final Event) error {
	t, err := b.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTopicClosed
	}
	final = b.stamp(t, id, final)
	b.fanOut(t, final)
	for sid, s := range t.subs {
		s.close()
		delete(t.subs, sid)
	}
	t.closed = true
	t.mu.Unlock()

	b.mu.Lock()
	if b.topics[id] == t {
		delete(b.topics, id)
	}
	b.mu.Unlock()
	return nil
}

// Subscribers returns the number of subscribers attached to id.
func (b *Broker) Subscribers(id string) int {
	t, err := b.lookup(id)
	if err != nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Topics returns the number of open topics.
func (b *Broker) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}
