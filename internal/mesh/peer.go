package mesh

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/talkie-p2p/talkie/internal/util"
)

// PeerState tracks where a remote member is in its negotiation lifecycle.
type PeerState int32

const (
	PeerNew        PeerState = iota // connection created, nothing sent
	PeerOfferSent                   // we offered, waiting for answer
	PeerAnswerSent                  // we answered their offer
	PeerConnected                   // ICE/DTLS up, media flowing
	PeerLost                        // transport failed; terminal, no retry
	PeerClosed                      // removed from the room
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerOfferSent:
		return "offer-sent"
	case PeerAnswerSent:
		return "answer-sent"
	case PeerConnected:
		return "connected"
	case PeerLost:
		return "lost"
	case PeerClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// pliInterval is how often a keyframe request goes out for each inbound
// video track. Mesh receivers join mid-stream constantly; without PLI a
// late joiner stares at gray until the next voluntary keyframe.
const pliInterval = 3 * time.Second

// Peer is one leg of the mesh: the local peer connection facing a single
// remote member, plus the negotiation state around it.
type Peer struct {
	id   string
	name string
	pc   *webrtc.PeerConnection

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	mu        sync.Mutex
	state     PeerState
	remoteSet bool
	pending   []webrtc.ICECandidateInit // trickle ICE ahead of the remote description
	sharing   bool
	closed    bool
}

// PeerInfo is a point-in-time snapshot for participant listings.
type PeerInfo struct {
	ID      string
	Name    string
	State   PeerState
	Sharing bool
}

func (p *Peer) info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{ID: p.id, Name: p.name, State: p.state, Sharing: p.sharing}
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	log.Printf("MESH [%s]: state → %s", util.ShortID(p.id), s)
}

// State returns the current negotiation state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setSharing(on bool) {
	p.mu.Lock()
	p.sharing = on
	p.mu.Unlock()
}

// setRemoteDescription applies desc and flushes any ICE candidates that
// arrived before it. Buffered candidates are applied in arrival order.
func (p *Peer) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Printf("MESH [%s]: buffered candidate rejected: %v", util.ShortID(p.id), err)
		}
	}
	if len(pending) > 0 {
		log.Printf("MESH [%s]: flushed %d buffered candidates", util.ShortID(p.id), len(pending))
	}
	return nil
}

// addCandidate applies a trickled candidate, or buffers it when the
// remote description has not landed yet.
func (p *Peer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

// close tears the leg down. Idempotent; returns false on repeat calls.
func (p *Peer) close(final PeerState) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	p.state = final
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		log.Printf("MESH [%s]: close: %v", util.ShortID(p.id), err)
	}
	return true
}

// keyframeLoop nags the sender of an inbound video track with PLI until
// the peer connection dies.
func (p *Peer) keyframeLoop(ssrc webrtc.SSRC, done <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				if err != io.ErrClosedPipe {
					log.Printf("MESH [%s]: PLI write: %v", util.ShortID(p.id), err)
				}
				return
			}
		}
	}
}
