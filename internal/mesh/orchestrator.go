// Package mesh drives the full-mesh peer connections of one room: a
// dedicated webrtc.PeerConnection per remote member, negotiated over the
// room's signal topic and fed from the local media controller.
//
// Negotiation is strictly directional: members already in the room offer
// to a joiner, the joiner only ever answers. Two members therefore never
// offer to each other at the same time, except when both joined in the
// same instant — that one race is settled by comparing peer ids.
package mesh

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/talkie-p2p/talkie/internal/media"
	"github.com/talkie-p2p/talkie/internal/signal"
	"github.com/talkie-p2p/talkie/internal/util"
)

// EventType discriminates orchestrator events.
type EventType int

const (
	EventPeerJoined EventType = iota // new member, connection being set up
	EventPeerConnected
	EventPeerLost // transport failed, leg closed, session continues
	EventPeerLeft
	EventScreenStatus // remote screen-share flag changed
	EventTrack        // first packet source for a remote track arrived
)

// Event is a mesh-level notification for the session layer and UI.
type Event struct {
	Type    EventType
	PeerID  string
	Name    string
	Sharing bool   // EventScreenStatus
	Kind    string // EventTrack: "audio" or "video"
}

const eventCap = 64

// Orchestrator owns every peer leg of one room membership.
type Orchestrator struct {
	roomID   string
	selfID   string
	selfName string

	bus   signal.Transport
	api   *webrtc.API
	media *media.Controller
	ice   []webrtc.ICEServer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	peers  map[string]*Peer
	closed bool

	events chan Event
}

// New builds the orchestrator and wires the media controller's change
// hooks so mute / camera / screen toggles propagate to every leg via
// ReplaceTrack, with no renegotiation.
func New(ctx context.Context, bus signal.Transport, api *webrtc.API, mc *media.Controller, roomID, selfName string, ice []webrtc.ICEServer) *Orchestrator {
	ctx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		roomID:   roomID,
		selfID:   bus.SelfID(),
		selfName: selfName,
		bus:      bus,
		api:      api,
		media:    mc,
		ice:      ice,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]*Peer),
		events:   make(chan Event, eventCap),
	}
	// The hook arguments are deliberately ignored: the swap re-reads the
	// controller under the mesh lock, so two racing toggles cannot apply
	// their sources out of order.
	mc.OnAudioChange = func(webrtc.TrackLocal) { o.SetAudioSource() }
	mc.OnVideoChange = func(webrtc.TrackLocal) { o.SetVideoSource() }
	mc.OnScreenState = o.broadcastScreenStatus
	return o
}

// Events returns the notification stream. Slow consumers lose events
// rather than stall negotiation.
func (o *Orchestrator) Events() <-chan Event { return o.events }

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		log.Printf("MESH: event listener full, dropping %v", ev.Type)
	}
}

// Peers snapshots every tracked member.
func (o *Orchestrator) Peers() []PeerInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PeerInfo, 0, len(o.peers))
	for _, p := range o.peers {
		out = append(out, p.info())
	}
	return out
}

// PeerCount reports the number of tracked members.
func (o *Orchestrator) PeerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.peers)
}

// ── Signal handlers ───────────────────────────────────────────────────────────
// Called by the session dispatch loop, in per-sender arrival order.

// HandleJoin reacts to a member announcing itself: as the already-present
// side we create the leg and send the offer. A re-announce from a member
// we already track is ignored.
func (o *Orchestrator) HandleJoin(from, name string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, ok := o.peers[from]; ok {
		o.mu.Unlock()
		log.Printf("MESH: duplicate join from %s ignored", util.ShortID(from))
		return
	}
	p, err := o.newPeerLocked(from, name)
	if err != nil {
		o.mu.Unlock()
		log.Printf("MESH: peer setup for %s failed: %v", util.ShortID(from), err)
		return
	}
	sharing := o.media.Sharing()
	o.mu.Unlock()

	o.emit(Event{Type: EventPeerJoined, PeerID: from, Name: name})

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		o.dropPeer(from, PeerLost, err)
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		o.dropPeer(from, PeerLost, err)
		return
	}
	p.setState(PeerOfferSent)
	// The joiner never saw our join broadcast, so the offer doubles as
	// our introduction.
	sig := signal.NewOffer(o.selfID, from, offer.SDP)
	sig.Name = o.selfName
	o.publish(sig)

	// Late-joiner catch-up: the join broadcast that announced our own
	// screen share predates this member's subscription.
	if sharing {
		o.publish(signal.NewScreenStatus(o.selfID, from, true))
	}
}

// HandleOffer reacts to an offer addressed to us: as the joiner we create
// the leg (if the join race hasn't created it yet) and answer. name is the
// offerer's self-introduction.
func (o *Orchestrator) HandleOffer(from, name, sdp string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	p, ok := o.peers[from]
	known := ok // already announced via HandleJoin; a glare rebuild is not a new member
	if ok && p.State() == PeerOfferSent {
		// Simultaneous join: both sides believed they were the existing
		// member. The higher id yields its offer and answers instead.
		if o.selfID < from {
			o.mu.Unlock()
			log.Printf("MESH: offer glare with %s, holding ours", util.ShortID(from))
			return
		}
		log.Printf("MESH: offer glare with %s, yielding", util.ShortID(from))
		delete(o.peers, from)
		p.close(PeerClosed)
		ok = false
	}
	if !ok {
		var err error
		p, err = o.newPeerLocked(from, name)
		if err != nil {
			o.mu.Unlock()
			log.Printf("MESH: peer setup for %s failed: %v", util.ShortID(from), err)
			return
		}
	}
	o.mu.Unlock()

	if !known {
		o.emit(Event{Type: EventPeerJoined, PeerID: from, Name: name})
	}

	err := p.setRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		o.dropPeer(from, PeerLost, err)
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		o.dropPeer(from, PeerLost, err)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		o.dropPeer(from, PeerLost, err)
		return
	}
	p.setState(PeerAnswerSent)
	o.publish(signal.NewAnswer(o.selfID, from, answer.SDP))
}

// HandleAnswer completes a negotiation we started in HandleJoin.
func (o *Orchestrator) HandleAnswer(from, sdp string) {
	p, ok := o.peer(from)
	if !ok {
		log.Printf("MESH: answer from untracked %s dropped", util.ShortID(from))
		return
	}
	if p.State() != PeerOfferSent {
		log.Printf("MESH [%s]: answer in state %s dropped", util.ShortID(from), p.State())
		return
	}
	err := p.setRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		o.dropPeer(from, PeerLost, err)
	}
}

// HandleCandidate feeds a trickled ICE candidate to its leg. Per-sender
// ordering means a candidate can only precede our *local* description,
// never the sender's offer/answer — the peer buffers for that window.
func (o *Orchestrator) HandleCandidate(from string, c webrtc.ICECandidateInit) {
	p, ok := o.peer(from)
	if !ok {
		log.Printf("MESH: candidate from untracked %s dropped", util.ShortID(from))
		return
	}
	if err := p.addCandidate(c); err != nil {
		log.Printf("MESH [%s]: candidate rejected: %v", util.ShortID(from), err)
	}
}

// HandleLeave removes a member's leg. Idempotent: a leave for an unknown
// or already-removed member is a no-op.
func (o *Orchestrator) HandleLeave(from string) {
	o.mu.Lock()
	p, ok := o.peers[from]
	if ok {
		delete(o.peers, from)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	name := p.info().Name
	p.close(PeerClosed)
	log.Printf("MESH: %s left", util.ShortID(from))
	o.emit(Event{Type: EventPeerLeft, PeerID: from, Name: name})
}

// HandleScreenStatus records a member's screen-share flag.
func (o *Orchestrator) HandleScreenStatus(from string, sharing bool) {
	p, ok := o.peer(from)
	if !ok {
		return
	}
	p.setSharing(sharing)
	o.emit(Event{Type: EventScreenStatus, PeerID: from, Sharing: sharing})
}

// ── Local source swaps ────────────────────────────────────────────────────────

// SetAudioSource pushes the controller's current effective audio source
// to every leg. The source is read under the mesh lock, so the last
// swap to run always carries the newest state; a nil source stops
// sending (mute) without touching negotiation.
func (o *Orchestrator) SetAudioSource() {
	o.mu.Lock()
	defer o.mu.Unlock()
	audio, _, _ := o.media.Snapshot()
	for _, p := range o.peers {
		if err := p.audioSender.ReplaceTrack(audio); err != nil {
			log.Printf("MESH [%s]: audio ReplaceTrack: %v", util.ShortID(p.id), err)
		}
	}
}

// SetVideoSource pushes the controller's current video source to every
// leg. Used both for camera on/off and for the camera⇄screen swap.
func (o *Orchestrator) SetVideoSource() {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, video, _ := o.media.Snapshot()
	for _, p := range o.peers {
		if err := p.videoSender.ReplaceTrack(video); err != nil {
			log.Printf("MESH [%s]: video ReplaceTrack: %v", util.ShortID(p.id), err)
		}
	}
}

func (o *Orchestrator) broadcastScreenStatus(sharing bool) {
	o.publish(signal.NewScreenStatus(o.selfID, "", sharing))
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) peer(id string) (*Peer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.peers[id]
	return p, ok
}

func (o *Orchestrator) publish(s signal.Signal) {
	data, err := s.Encode()
	if err != nil {
		log.Printf("MESH: %v", err)
		return
	}
	if err := o.bus.Publish(o.ctx, signal.SignalTopic(o.roomID), data); err != nil {
		log.Printf("MESH: publish %s: %v", s.Kind, err)
	}
}

// newPeerLocked builds the leg: peer connection, one sendrecv transceiver
// per kind so toggles stay pure ReplaceTrack, and the current local
// sources seeded under the same lock SetAudioSource/SetVideoSource take —
// a concurrent toggle can never slip between seed and swap.
func (o *Orchestrator) newPeerLocked(id, name string) (*Peer, error) {
	pc, err := o.api.NewPeerConnection(webrtc.Configuration{ICEServers: o.ice})
	if err != nil {
		return nil, err
	}

	p := &Peer{id: id, name: name, pc: pc}

	audioTx, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	videoTx, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	p.audioSender = audioTx.Sender()
	p.videoSender = videoTx.Sender()

	audio, video, _ := o.media.Snapshot()
	if audio != nil {
		if err := p.audioSender.ReplaceTrack(audio); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	if video != nil {
		if err := p.videoSender.ReplaceTrack(video); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering; trickle needs no marker
		}
		o.publish(signal.NewCandidate(o.selfID, id, c.ToJSON()))
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.onRemoteTrack(p, tr)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			p.setState(PeerConnected)
			o.emit(Event{Type: EventPeerConnected, PeerID: id, Name: name})
		case webrtc.PeerConnectionStateDisconnected:
			// ICE may still recover within the configured timeouts.
			log.Printf("MESH [%s]: transport disconnected, waiting for recovery", util.ShortID(id))
		case webrtc.PeerConnectionStateFailed:
			o.dropPeer(id, PeerLost, errors.New("transport failed"))
		}
	})

	o.peers[id] = p
	log.Printf("MESH: leg created for %s (%d total)", util.ShortID(id), len(o.peers))
	return p, nil
}

// onRemoteTrack drains an inbound track and, for video, keeps keyframes
// coming. Draining also feeds the interceptor chain's receiver reports.
func (o *Orchestrator) onRemoteTrack(p *Peer, tr *webrtc.TrackRemote) {
	kind := tr.Kind().String()
	log.Printf("MESH [%s]: remote %s track %s", util.ShortID(p.id), kind, tr.ID())
	o.emit(Event{Type: EventTrack, PeerID: p.id, Kind: kind})

	done := o.ctx.Done()
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		go p.keyframeLoop(tr.SSRC(), done)
	}

	go func() {
		var pkts, bytes uint64
		for {
			pkt, _, err := tr.ReadRTP()
			if err != nil {
				log.Printf("MESH [%s]: %s track done after %d packets / %d bytes",
					util.ShortID(p.id), kind, pkts, bytes)
				return
			}
			pkts++
			bytes += uint64(pkt.MarshalSize())
			o.deliverRTP(p.id, kind, pkt)
		}
	}()
}

// deliverRTP is the playout hook. Rendering is out of scope for the
// coordinator; decoded media stays with the consumer built on top.
func (o *Orchestrator) deliverRTP(string, string, *rtp.Packet) {}

// dropPeer scopes a failure to one leg: remove it, close it, keep the
// session running for everyone else.
func (o *Orchestrator) dropPeer(id string, final PeerState, cause error) {
	o.mu.Lock()
	p, ok := o.peers[id]
	if ok {
		delete(o.peers, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("MESH [%s]: dropping leg: %v", util.ShortID(id), cause)
	name := p.info().Name
	p.close(final)
	if final == PeerLost {
		o.emit(Event{Type: EventPeerLost, PeerID: id, Name: name})
	} else {
		o.emit(Event{Type: EventPeerLeft, PeerID: id, Name: name})
	}
}

// CloseAll tears down every leg. Idempotent.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	peers := o.peers
	o.peers = make(map[string]*Peer)
	o.mu.Unlock()

	o.cancel()
	for _, p := range peers {
		p.close(PeerClosed)
	}
	log.Printf("MESH: all legs closed (%d)", len(peers))
}
