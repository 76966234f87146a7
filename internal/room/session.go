// Package room manages group-call membership: creating and joining rooms,
// the signal dispatch loop that feeds internal/mesh, participation
// bookkeeping, and teardown. One session is active at a time.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/talkie-p2p/talkie/internal/chat"
	"github.com/talkie-p2p/talkie/internal/media"
	"github.com/talkie-p2p/talkie/internal/mesh"
	"github.com/talkie-p2p/talkie/internal/signal"
	"github.com/talkie-p2p/talkie/internal/store"
	"github.com/talkie-p2p/talkie/internal/util"
)

var (
	// ErrBusy is returned when a session is already active.
	ErrBusy = errors.New("room: already in a room")

	// ErrNotInRoom is returned by operations that need an active session.
	ErrNotInRoom = errors.New("room: not in a room")
)

// State is the session lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Participant is one member of the room as seen right now, self included.
type Participant struct {
	ID      string
	Name    string
	Self    bool
	State   mesh.PeerState
	Sharing bool
}

// Manager creates and tears down sessions over a shared transport,
// store and media controller.
type Manager struct {
	bus      signal.Transport
	st       *store.Store
	mc       *media.Controller
	api      *webrtc.API
	ice      []webrtc.ICEServer
	selfName string
	history  int

	mu      sync.Mutex
	current *Session
}

// NewManager wires the session dependencies. historyLimit bounds the
// chat replay window per room; 0 means the default.
func NewManager(bus signal.Transport, st *store.Store, mc *media.Controller, api *webrtc.API, ice []webrtc.ICEServer, selfName string, historyLimit int) *Manager {
	return &Manager{bus: bus, st: st, mc: mc, api: api, ice: ice, selfName: selfName, history: historyLimit}
}

// Create makes a fresh room under an optional human label and joins it.
// The returned session's RoomID is what other members pass to Join.
// wantVideo asks for camera capture; acquisition failure aborts the
// whole operation. The creator is alone by construction, so no join
// broadcast goes out; members discover each other through the joiners'
// announcements.
func (m *Manager) Create(ctx context.Context, roomName string, wantVideo bool) (*Session, error) {
	roomID := util.ShortID(uuid.NewString())
	if roomName != "" {
		log.Printf("ROOM [%s]: created (%q)", roomID, roomName)
	} else {
		log.Printf("ROOM [%s]: created", roomID)
	}
	return m.enter(ctx, roomID, roomName, false, wantVideo)
}

// Join enters roomID and announces itself to the members already there.
// Fails with ErrBusy while another session is active, and with the
// acquisition error when a requested capture device is denied.
func (m *Manager) Join(ctx context.Context, roomID string, wantVideo bool) (*Session, error) {
	return m.enter(ctx, roomID, "", true, wantVideo)
}

func (m *Manager) enter(ctx context.Context, roomID, roomName string, announce, wantVideo bool) (*Session, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := &Session{
		manager:  m,
		roomID:   roomID,
		roomName: roomName,
		selfID:   m.bus.SelfID(),
		selfName: m.selfName,
		state:    StateJoining,
		events:   make(chan mesh.Event, 64),
	}
	m.current = s
	m.mu.Unlock()

	if err := s.start(ctx, announce, wantVideo); err != nil {
		m.clear(s)
		return nil, err
	}
	return s, nil
}

// Leave tears down the active session. A call with no session is a no-op.
func (m *Manager) Leave() {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s != nil {
		s.Leave()
	}
}

// Send relays text into the active room's chat. This is the convenience
// path for embedders that hold the manager rather than the session.
func (m *Manager) Send(ctx context.Context, text string) (store.ChatRecord, error) {
	s := m.Current()
	if s == nil {
		return store.ChatRecord{}, ErrNotInRoom
	}
	return s.Chat().Send(ctx, text)
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) clear(s *Session) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

// Session is one active room membership.
type Session struct {
	manager  *Manager
	roomID   string
	roomName string
	selfID   string
	selfName string

	ctx    context.Context
	cancel context.CancelFunc

	orc   *mesh.Orchestrator
	relay *chat.Relay
	sub   *signal.Subscription

	mu        sync.Mutex
	state     State
	startedAt time.Time
	endedAt   time.Time
	leaveOnce sync.Once

	events chan mesh.Event
}

// start brings the session up: acquire media, subscribe, announce, go
// active. Any failure leaves no half-open resources behind — a denied
// capture device aborts before the subscription is even opened.
func (s *Session) start(ctx context.Context, announce, wantVideo bool) error {
	m := s.manager

	if err := m.mc.Acquire(wantVideo); err != nil {
		return fmt.Errorf("room: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	sub, err := m.bus.Subscribe(s.ctx, signal.SignalTopic(s.roomID))
	if err != nil {
		s.cancel()
		m.mc.Release()
		return fmt.Errorf("room: subscribe: %w", err)
	}
	s.sub = sub

	s.orc = mesh.New(s.ctx, m.bus, m.api, m.mc, s.roomID, s.selfName, m.ice)

	relay, err := chat.NewRelay(s.ctx, m.bus, m.st, s.roomID, s.selfName, m.history)
	if err != nil {
		s.orc.CloseAll()
		sub.Cancel()
		s.cancel()
		m.mc.Release()
		return err
	}
	s.relay = relay

	if announce {
		data, err := signal.NewJoin(s.selfID, s.selfName).Encode()
		if err == nil {
			err = m.bus.Publish(s.ctx, signal.SignalTopic(s.roomID), data)
		}
		if err != nil {
			relay.Close()
			s.orc.CloseAll()
			sub.Cancel()
			s.cancel()
			m.mc.Release()
			return fmt.Errorf("room: announce: %w", err)
		}
	}

	now := util.NowMillis()
	if err := m.st.MarkJoined(s.roomID, s.selfID, s.selfName, now); err != nil {
		log.Printf("ROOM [%s]: record own join: %v", s.roomID, err)
	}

	s.mu.Lock()
	s.state = StateActive
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.dispatchLoop()
	go s.eventLoop()
	log.Printf("ROOM [%s]: joined as %s", s.roomID, util.ShortID(s.selfID))
	return nil
}

// RoomID returns the room identifier.
func (s *Session) RoomID() string { return s.roomID }

// RoomName returns the human label given at creation, empty when joined.
func (s *Session) RoomName() string { return s.roomName }

// SelfID returns our own peer id in the room.
func (s *Session) SelfID() string { return s.selfID }

// Chat returns the room's chat relay.
func (s *Session) Chat() *chat.Relay { return s.relay }

// State returns the lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Duration reports how long the session has been active.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// Events returns the mesh notification stream, after the session's own
// bookkeeping has seen each event.
func (s *Session) Events() <-chan mesh.Event { return s.events }

// Participants lists the room as seen right now, self first.
func (s *Session) Participants() []Participant {
	st := s.manager.st
	mc := s.manager.mc

	out := []Participant{{
		ID:      s.selfID,
		Name:    s.selfName,
		Self:    true,
		State:   mesh.PeerConnected,
		Sharing: mc.Sharing(),
	}}
	for _, p := range s.orc.Peers() {
		name := p.Name
		if name == "" {
			name = st.DisplayName(p.ID)
		}
		out = append(out, Participant{ID: p.ID, Name: name, State: p.State, Sharing: p.Sharing})
	}
	return out
}

// Leave tears the session down: best-effort leave broadcast, close every
// mesh leg, stop chat, drop the subscription. Safe to call repeatedly
// and from any goroutine.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.mu.Lock()
		s.state = StateLeaving
		s.mu.Unlock()

		// Best effort: members that miss this still drop the leg once
		// ICE times out.
		if data, err := signal.NewLeave(s.selfID).Encode(); err == nil {
			if err := s.manager.bus.Publish(context.Background(), signal.SignalTopic(s.roomID), data); err != nil {
				log.Printf("ROOM [%s]: leave broadcast: %v", s.roomID, err)
			}
		}

		if s.orc != nil {
			s.orc.CloseAll()
		}
		if s.relay != nil {
			s.relay.Close()
		}
		if s.sub != nil {
			s.sub.Cancel()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.manager.mc.Release()

		if err := s.manager.st.MarkLeft(s.roomID, s.selfID, util.NowMillis()); err != nil {
			log.Printf("ROOM [%s]: record own leave: %v", s.roomID, err)
		}

		s.mu.Lock()
		s.state = StateIdle
		s.endedAt = time.Now()
		s.mu.Unlock()
		s.manager.clear(s)
		log.Printf("ROOM [%s]: left after %s", s.roomID, s.Duration().Round(time.Second))
	})
}

// ── Loops ─────────────────────────────────────────────────────────────────────

// dispatchLoop routes inbound signals to the mesh and keeps the
// participation log current. Per-sender arrival order is preserved.
func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.sub.C:
			if !ok {
				return
			}
			s.dispatch(msg)
		}
	}
}

func (s *Session) dispatch(msg signal.Message) {
	sig, err := signal.Decode(msg.Data)
	if err != nil {
		log.Printf("ROOM [%s]: %v", s.roomID, err)
		return
	}
	if sig.From == s.selfID {
		return // own broadcast echo
	}
	if !sig.Broadcast() && sig.To != s.selfID {
		return // unicast for someone else
	}

	st := s.manager.st
	switch sig.Kind {
	case signal.KindJoin:
		if err := st.MarkJoined(s.roomID, sig.From, sig.Name, util.NowMillis()); err != nil {
			log.Printf("ROOM [%s]: record join: %v", s.roomID, err)
		}
		if sig.Name != "" {
			_ = st.SetProfile(sig.From, sig.Name, util.NowMillis())
		}
		s.orc.HandleJoin(sig.From, sig.Name)

	case signal.KindLeave:
		s.orc.HandleLeave(sig.From)
		if err := st.MarkLeft(s.roomID, sig.From, util.NowMillis()); err != nil {
			log.Printf("ROOM [%s]: record leave: %v", s.roomID, err)
		}

	case signal.KindOffer:
		// An offer is also how an existing member introduces itself
		// to us, the joiner.
		if err := st.MarkJoined(s.roomID, sig.From, sig.Name, util.NowMillis()); err != nil {
			log.Printf("ROOM [%s]: record member: %v", s.roomID, err)
		}
		if sig.Name != "" {
			_ = st.SetProfile(sig.From, sig.Name, util.NowMillis())
		}
		s.orc.HandleOffer(sig.From, sig.Name, sig.SDP)

	case signal.KindAnswer:
		s.orc.HandleAnswer(sig.From, sig.SDP)

	case signal.KindCandidate:
		if sig.Candidate == nil {
			return
		}
		s.orc.HandleCandidate(sig.From, *sig.Candidate)

	case signal.KindScreenStatus:
		s.orc.HandleScreenStatus(sig.From, sig.Sharing)

	default:
		log.Printf("ROOM [%s]: unknown signal %q from %s", s.roomID, sig.Kind, util.ShortID(sig.From))
	}
}

// eventLoop forwards mesh events to the session's consumers, recording
// transport losses as departures on the way through.
func (s *Session) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.orc.Events():
			if !ok {
				return
			}
			if ev.Type == mesh.EventPeerLost {
				if err := s.manager.st.MarkLeft(s.roomID, ev.PeerID, util.NowMillis()); err != nil {
					log.Printf("ROOM [%s]: record lost peer: %v", s.roomID, err)
				}
			}
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}
