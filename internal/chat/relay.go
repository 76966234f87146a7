// Package chat relays room text messages over the chat topic and keeps
// them in SQLite. The sender's copy is echoed optimistically: it shows up
// locally the moment Send returns, and is rolled back if the relay
// publish fails. Incoming copies are deduplicated on the message id, so
// the pubsub echo of our own messages is harmless.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/talkie-p2p/talkie/internal/signal"
	"github.com/talkie-p2p/talkie/internal/store"
	"github.com/talkie-p2p/talkie/internal/util"
)

// ErrEmptyMessage is returned by Send for blank or whitespace-only input.
var ErrEmptyMessage = errors.New("chat: empty message")

// listenerCap is the per-listener buffer; slow listeners lose messages
// rather than block the relay.
const listenerCap = 64

type wireMessage struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Name   string `json:"name"`
	Body   string `json:"body"`
	SentAt int64  `json:"sent_at"`
}

// Relay is one room's chat pipeline.
type Relay struct {
	roomID   string
	selfID   string
	selfName string

	bus signal.Transport
	st  *store.Store

	ctx    context.Context
	cancel context.CancelFunc
	sub    *signal.Subscription

	mu        sync.Mutex
	ring      *util.RingBuffer[store.ChatRecord]
	listeners []chan store.ChatRecord
	closed    bool
}

// NewRelay loads the room's history window and starts consuming the chat
// topic. historyLimit <= 0 uses the store default.
func NewRelay(ctx context.Context, bus signal.Transport, st *store.Store, roomID, selfName string, historyLimit int) (*Relay, error) {
	if historyLimit <= 0 {
		historyLimit = store.DefaultHistoryLimit
	}
	history, err := st.History(roomID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, err := bus.Subscribe(ctx, signal.ChatTopic(roomID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat: subscribe: %w", err)
	}

	r := &Relay{
		roomID:   roomID,
		selfID:   bus.SelfID(),
		selfName: selfName,
		bus:      bus,
		st:       st,
		ctx:      ctx,
		cancel:   cancel,
		sub:      sub,
		ring:     util.NewRingBuffer[store.ChatRecord](historyLimit),
	}
	for _, m := range history {
		r.ring.Push(m)
	}
	log.Printf("CHAT [%s]: relay up, %d messages restored", roomID, len(history))

	go r.consumeLoop()
	return r, nil
}

// Send publishes a message to the room. The local copy is visible (in
// Messages and to listeners) before the publish happens; a failed publish
// rolls it back and returns the error.
func (r *Relay) Send(ctx context.Context, body string) (store.ChatRecord, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return store.ChatRecord{}, ErrEmptyMessage
	}

	m := store.ChatRecord{
		ID:         uuid.NewString(),
		RoomID:     r.roomID,
		SenderID:   r.selfID,
		SenderName: r.selfName,
		Body:       body,
		SentAt:     util.NowMillis(),
	}

	if err := r.st.AppendMessage(m); err != nil {
		return store.ChatRecord{}, err
	}
	r.deliver(m)

	data, err := json.Marshal(wireMessage{
		ID: m.ID, From: m.SenderID, Name: m.SenderName, Body: m.Body, SentAt: m.SentAt,
	})
	if err != nil {
		r.rollback(m.ID)
		return store.ChatRecord{}, fmt.Errorf("chat: encode: %w", err)
	}
	if err := r.bus.Publish(ctx, signal.ChatTopic(r.roomID), data); err != nil {
		r.rollback(m.ID)
		return store.ChatRecord{}, fmt.Errorf("chat: publish: %w", err)
	}
	return m, nil
}

// Messages snapshots the display window, oldest first.
func (r *Relay) Messages() []store.ChatRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Snapshot()
}

// Listen registers a consumer for new messages (own sends included).
// The returned cancel closes the channel.
func (r *Relay) Listen() (<-chan store.ChatRecord, func()) {
	ch := make(chan store.ChatRecord, listenerCap)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			for i, cur := range r.listeners {
				if cur == ch {
					r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
					break
				}
			}
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Close stops the relay. Idempotent.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	r.cancel()
	r.sub.Cancel()
	for _, ch := range listeners {
		close(ch)
	}
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (r *Relay) consumeLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.handleIncoming(msg)
		}
	}
}

func (r *Relay) handleIncoming(msg signal.Message) {
	var wm wireMessage
	if err := json.Unmarshal(msg.Data, &wm); err != nil {
		log.Printf("CHAT [%s]: bad payload from %s: %v", r.roomID, util.ShortID(msg.From), err)
		return
	}
	if wm.ID == "" || wm.Body == "" {
		return
	}
	// Our own echo: already stored and delivered by Send.
	if wm.From == r.selfID {
		return
	}

	m := store.ChatRecord{
		ID:         wm.ID,
		RoomID:     r.roomID,
		SenderID:   wm.From,
		SenderName: wm.Name,
		Body:       wm.Body,
		SentAt:     wm.SentAt,
	}
	inserted, err := r.st.InsertIfAbsent(m)
	if err != nil {
		log.Printf("CHAT [%s]: store message %s: %v", r.roomID, util.ShortID(m.ID), err)
		return
	}
	if !inserted {
		return // relayed duplicate
	}
	if wm.Name != "" {
		if err := r.st.SetProfile(wm.From, wm.Name, m.SentAt); err != nil {
			log.Printf("CHAT [%s]: profile update: %v", r.roomID, err)
		}
	}
	r.deliver(m)
}

// deliver pushes m into the display window and fans it out.
func (r *Relay) deliver(m store.ChatRecord) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.ring.Push(m)
	listeners := make([]chan store.ChatRecord, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- m:
		default:
			log.Printf("CHAT [%s]: listener full, dropping %s", r.roomID, util.ShortID(m.ID))
		}
	}
}

// rollback undoes an optimistic echo after a failed publish: the row is
// deleted and the display window rebuilt without it.
func (r *Relay) rollback(id string) {
	if err := r.st.DeleteMessage(id); err != nil {
		log.Printf("CHAT [%s]: rollback %s: %v", r.roomID, util.ShortID(id), err)
	}
	r.mu.Lock()
	kept := r.ring.Snapshot()
	r.ring.Reset()
	for _, m := range kept {
		if m.ID != id {
			r.ring.Push(m)
		}
	}
	r.mu.Unlock()
	log.Printf("CHAT [%s]: message %s rolled back", r.roomID, util.ShortID(id))
}
