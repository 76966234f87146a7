package signal

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/talkie-p2p/talkie/internal/util"
)

// memSubCap is the per-subscriber delivery buffer. A subscriber that falls
// this far behind starts losing messages, mirroring real pubsub behavior.
const memSubCap = 1024

// MemoryBus is an in-process Transport hub with pubsub semantics: every
// publish reaches all current subscribers of the topic, in publish order.
// It backs tests and single-process demos; the production transport is
// PubSub in this package.
type MemoryBus struct {
	mu     sync.Mutex
	closed bool
	subs   map[string][]*memSub // topic → subscribers
}

type memSub struct {
	ch   chan Message
	once sync.Once
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memSub)}
}

// Connect returns a Transport endpoint on the bus identified by selfID.
func (b *MemoryBus) Connect(selfID string) Transport {
	return &memTransport{bus: b, selfID: selfID}
}

// Close drops all subscriptions and closes their channels.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.close()
		}
	}
	b.subs = nil
}

func (s *memSub) close() {
	s.once.Do(func() { close(s.ch) })
}

func (b *MemoryBus) publish(topic string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("signal: bus closed")
	}
	for _, s := range b.subs[topic] {
		select {
		case s.ch <- msg:
		default:
			log.Printf("SIGNAL: memory bus subscriber full, dropping on %s", topic)
		}
	}
	return nil
}

func (b *MemoryBus) subscribe(topic string) (*memSub, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("signal: bus closed")
	}
	s := &memSub{ch: make(chan Message, memSubCap)}
	b.subs[topic] = append(b.subs[topic], s)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, cur := range list {
			if cur == s {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.close()
	}
	return s, cancel, nil
}

type memTransport struct {
	bus    *MemoryBus
	selfID string
}

func (t *memTransport) SelfID() string { return t.selfID }

func (t *memTransport) Publish(_ context.Context, topic string, data []byte) error {
	// Copy so the caller can reuse its buffer.
	cp := make([]byte, len(data))
	copy(cp, data)
	return t.bus.publish(topic, Message{From: t.selfID, Data: cp})
}

func (t *memTransport) Subscribe(_ context.Context, topic string) (*Subscription, error) {
	s, cancel, err := t.bus.subscribe(topic)
	if err != nil {
		return nil, err
	}
	log.Printf("SIGNAL: %s subscribed to %s (memory)", util.ShortID(t.selfID), topic)
	return &Subscription{C: s.ch, cancel: cancel}, nil
}
