// Package signal defines the room signaling protocol and the pubsub
// transport it rides on. Signals are ephemeral — they are never persisted —
// and delivery is ordered per sender per topic, with no global order
// across senders. The negotiation protocol in internal/mesh is designed
// to stay correct under exactly that guarantee.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ── Signal kinds ──────────────────────────────────────────────────────────────
// Value of the "kind" field of every signal envelope. join/leave are
// room-wide broadcasts; the rest are unicast and carry a "to" field.
const (
	KindJoin         = "join"          // new member announces itself (broadcast)
	KindLeave        = "leave"         // member departs (broadcast, best-effort)
	KindOffer        = "offer"         // SDP offer, existing member → joiner
	KindAnswer       = "answer"        // SDP answer, joiner → offerer
	KindCandidate    = "ice-candidate" // trickle ICE, either direction
	KindScreenStatus = "screen-status" // screen-share flag changed
)

// Signal is the discriminated envelope exchanged on a room's signal topic.
// Exactly one of the optional fields is meaningful per kind.
type Signal struct {
	Kind string `json:"kind"`
	From string `json:"from"`
	To   string `json:"to,omitempty"` // unicast target; empty = broadcast

	Name      string                   `json:"name,omitempty"`      // join: sender display name
	SDP       string                   `json:"sdp,omitempty"`       // offer/answer
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"` // ice-candidate
	Sharing   bool                     `json:"sharing,omitempty"`   // screen-status
}

// Broadcast reports whether the signal is room-wide rather than unicast.
func (s Signal) Broadcast() bool { return s.To == "" }

// Encode serializes the signal for the wire.
func (s Signal) Encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("signal: encode %s: %w", s.Kind, err)
	}
	return b, nil
}

// Decode parses a wire payload into a Signal.
func Decode(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("signal: decode: %w", err)
	}
	if s.Kind == "" || s.From == "" {
		return Signal{}, fmt.Errorf("signal: missing kind or from")
	}
	return s, nil
}

// ── Typed constructors ────────────────────────────────────────────────────────

func NewJoin(from, name string) Signal {
	return Signal{Kind: KindJoin, From: from, Name: name}
}

func NewLeave(from string) Signal {
	return Signal{Kind: KindLeave, From: from}
}

func NewOffer(from, to, sdp string) Signal {
	return Signal{Kind: KindOffer, From: from, To: to, SDP: sdp}
}

func NewAnswer(from, to, sdp string) Signal {
	return Signal{Kind: KindAnswer, From: from, To: to, SDP: sdp}
}

func NewCandidate(from, to string, c webrtc.ICECandidateInit) Signal {
	return Signal{Kind: KindCandidate, From: from, To: to, Candidate: &c}
}

// NewScreenStatus builds a screen-share status update. to is empty for the
// room-wide broadcast after a toggle, or a peer id when catching up a
// late joiner.
func NewScreenStatus(from, to string, sharing bool) Signal {
	return Signal{Kind: KindScreenStatus, From: from, To: to, Sharing: sharing}
}

// ── Topic naming ──────────────────────────────────────────────────────────────

// SignalTopic returns the pubsub topic carrying a room's signaling traffic.
func SignalTopic(roomID string) string { return "talkie.room." + roomID + ".signal.v1" }

// ChatTopic returns the pubsub topic carrying a room's realtime chat echo.
func ChatTopic(roomID string) string { return "talkie.room." + roomID + ".chat.v1" }
