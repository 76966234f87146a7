package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkie-p2p/talkie/internal/media"
	"github.com/talkie-p2p/talkie/internal/signal"
)

// ── Capture fakes ─────────────────────────────────────────────────────────────

type fakeTrack struct {
	*webrtc.TrackLocalStaticSample
	mu      sync.Mutex
	onEnded func(error)
}

func (f *fakeTrack) OnEnded(h func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnded = h
}

func (f *fakeTrack) Close() error { return nil }

func newFakeTrack(t *testing.T, kind string) *fakeTrack {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == "audio" {
		mime = webrtc.MimeTypeOpus
	}
	base, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime}, kind, "fake-"+kind)
	require.NoError(t, err)
	return &fakeTrack{TrackLocalStaticSample: base}
}

type fakeOpener struct {
	t                   *testing.T
	withMic, withCamera bool
}

func (o *fakeOpener) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (o *fakeOpener) OpenMic() (media.Track, error) {
	if !o.withMic {
		// Members without devices enter receive-only, like a platform
		// with no capture backend.
		return nil, media.ErrCaptureUnsupported
	}
	return newFakeTrack(o.t, "audio"), nil
}

func (o *fakeOpener) OpenCamera() (media.Track, error) {
	if !o.withCamera {
		return nil, errors.New("no camera")
	}
	return newFakeTrack(o.t, "video"), nil
}

func (o *fakeOpener) OpenScreen() (media.Track, error) {
	return newFakeTrack(o.t, "video"), nil
}

// ── Harness ───────────────────────────────────────────────────────────────────

type testMember struct {
	orc *Orchestrator
	mc  *media.Controller
}

func newTestMember(t *testing.T, bus *signal.MemoryBus, id, name string, opener *fakeOpener) *testMember {
	t.Helper()
	opener.t = t
	mc := media.NewController(opener)
	require.NoError(t, mc.Acquire(opener.withCamera))
	t.Cleanup(mc.Close)

	api, err := media.NewAPI(opener)
	require.NoError(t, err)

	orc := New(context.Background(), bus.Connect(id), api, mc, "room-1", name, nil)
	t.Cleanup(orc.CloseAll)
	return &testMember{orc: orc, mc: mc}
}

// spyOn subscribes a bystander endpoint to the room's signal topic.
func spyOn(t *testing.T, bus *signal.MemoryBus) <-chan signal.Message {
	t.Helper()
	sub, err := bus.Connect("spy").Subscribe(context.Background(), signal.SignalTopic("room-1"))
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	return sub.C
}

// awaitSignal drains the spy until a signal of the wanted kind arrives.
func awaitSignal(t *testing.T, ch <-chan signal.Message, kind string) signal.Signal {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "spy channel closed awaiting %s", kind)
			sig, err := signal.Decode(msg.Data)
			require.NoError(t, err)
			if sig.Kind == kind {
				return sig
			}
		case <-deadline:
			t.Fatalf("no %s signal observed", kind)
		}
	}
}

func (m *testMember) peerByID(t *testing.T, id string) *Peer {
	t.Helper()
	p, ok := m.orc.peer(id)
	require.True(t, ok, "peer %s not tracked", id)
	return p
}

func remoteSet(p *Peer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func pendingCount(p *Peer) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestJoinOfferAnswerFlow(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()
	spy := spyOn(t, bus)

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{withMic: true, withCamera: true})
	bob := newTestMember(t, bus, "peer-bob", "Bob", &fakeOpener{withMic: true})

	// Bob's join broadcast reaches Alice: she offers.
	alice.orc.HandleJoin("peer-bob", "Bob")

	offer := awaitSignal(t, spy, signal.KindOffer)
	assert.Equal(t, "peer-alice", offer.From)
	assert.Equal(t, "peer-bob", offer.To)
	assert.Equal(t, "Alice", offer.Name, "offer introduces the existing member")
	assert.NotEmpty(t, offer.SDP)
	assert.Equal(t, PeerOfferSent, alice.peerByID(t, "peer-bob").State())

	// The offer reaches Bob: he answers, never offers back.
	bob.orc.HandleOffer(offer.From, offer.Name, offer.SDP)

	answer := awaitSignal(t, spy, signal.KindAnswer)
	assert.Equal(t, "peer-bob", answer.From)
	assert.Equal(t, "peer-alice", answer.To)
	assert.Equal(t, PeerAnswerSent, bob.peerByID(t, "peer-alice").State())
	assert.Equal(t, "Alice", bob.peerByID(t, "peer-alice").info().Name)

	// The answer completes Alice's side of the negotiation.
	alice.orc.HandleAnswer(answer.From, answer.SDP)
	assert.True(t, remoteSet(alice.peerByID(t, "peer-bob")))

	assert.Equal(t, 1, alice.orc.PeerCount())
	assert.Equal(t, 1, bob.orc.PeerCount())
}

func TestDuplicateJoinIgnored(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{})
	alice.orc.HandleJoin("peer-bob", "Bob")
	first := alice.peerByID(t, "peer-bob")

	alice.orc.HandleJoin("peer-bob", "Bob")
	assert.Equal(t, 1, alice.orc.PeerCount())
	assert.Same(t, first, alice.peerByID(t, "peer-bob"), "re-announce must not rebuild the leg")
}

func TestSimultaneousJoinGlare(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()
	spy := spyOn(t, bus)

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{})
	bob := newTestMember(t, bus, "peer-bob", "Bob", &fakeOpener{})

	// Both saw the other's join and offered: two offers in flight.
	alice.orc.HandleJoin("peer-bob", "Bob")
	offerFromAlice := awaitSignal(t, spy, signal.KindOffer)
	bob.orc.HandleJoin("peer-alice", "Alice")
	offerFromBob := awaitSignal(t, spy, signal.KindOffer)

	// Lower id holds its offer and ignores the incoming one.
	alice.orc.HandleOffer("peer-bob", "Bob", offerFromBob.SDP)
	assert.Equal(t, PeerOfferSent, alice.peerByID(t, "peer-bob").State())

	// Higher id yields: drops its own offer and answers.
	bob.orc.HandleOffer("peer-alice", "Alice", offerFromAlice.SDP)
	answer := awaitSignal(t, spy, signal.KindAnswer)
	assert.Equal(t, "peer-bob", answer.From)
	assert.Equal(t, PeerAnswerSent, bob.peerByID(t, "peer-alice").State())

	alice.orc.HandleAnswer(answer.From, answer.SDP)
	assert.True(t, remoteSet(alice.peerByID(t, "peer-bob")))

	// Yielding rebuilt Bob's leg for Alice, but she was already announced
	// when her join arrived — no second appearance.
	var joined int
	for drained := false; !drained; {
		select {
		case ev := <-bob.orc.Events():
			if ev.Type == EventPeerJoined {
				joined++
			}
		default:
			drained = true
		}
	}
	assert.Equal(t, 1, joined, "glare rebuild must not re-announce the peer")
}

func TestCandidateBufferedUntilRemoteDescription(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()
	spy := spyOn(t, bus)

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{})
	bob := newTestMember(t, bus, "peer-bob", "Bob", &fakeOpener{})

	alice.orc.HandleJoin("peer-bob", "Bob")
	offer := awaitSignal(t, spy, signal.KindOffer)

	// A candidate that outruns the answer must be buffered, not dropped.
	cand := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}
	alice.orc.HandleCandidate("peer-bob", cand)
	p := alice.peerByID(t, "peer-bob")
	assert.Equal(t, 1, pendingCount(p))
	assert.False(t, remoteSet(p))

	bob.orc.HandleOffer(offer.From, offer.Name, offer.SDP)
	answer := awaitSignal(t, spy, signal.KindAnswer)
	alice.orc.HandleAnswer(answer.From, answer.SDP)

	assert.True(t, remoteSet(p))
	assert.Zero(t, pendingCount(p), "buffered candidates flushed with the answer")
}

func TestCandidateFromUntrackedPeerDropped(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{})
	alice.orc.HandleCandidate("peer-ghost", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 1 typ host"})
	assert.Zero(t, alice.orc.PeerCount())
}

func TestLeaveIsIdempotent(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{})
	alice.orc.HandleJoin("peer-bob", "Bob")
	require.Equal(t, 1, alice.orc.PeerCount())

	alice.orc.HandleLeave("peer-bob")
	alice.orc.HandleLeave("peer-bob") // repeat is a no-op
	assert.Zero(t, alice.orc.PeerCount())

	var left int
	for drained := false; !drained; {
		select {
		case ev := <-alice.orc.Events():
			if ev.Type == EventPeerLeft {
				left++
			}
		default:
			drained = true
		}
	}
	assert.Equal(t, 1, left, "exactly one departure event")
}

func TestScreenShareCatchUpForLateJoiner(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()
	spy := spyOn(t, bus)

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{withCamera: true})

	_, err := alice.mc.ToggleScreenShare()
	require.NoError(t, err)
	broadcast := awaitSignal(t, spy, signal.KindScreenStatus)
	assert.True(t, broadcast.Broadcast())
	assert.True(t, broadcast.Sharing)

	// A member joining mid-share gets a unicast status with the offer.
	alice.orc.HandleJoin("peer-bob", "Bob")
	catchUp := awaitSignal(t, spy, signal.KindScreenStatus)
	assert.Equal(t, "peer-bob", catchUp.To)
	assert.True(t, catchUp.Sharing)
}

func TestRemoteScreenStatusTracked(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{})
	alice.orc.HandleJoin("peer-bob", "Bob")

	alice.orc.HandleScreenStatus("peer-bob", true)
	assert.True(t, alice.peerByID(t, "peer-bob").info().Sharing)

	alice.orc.HandleScreenStatus("peer-bob", false)
	assert.False(t, alice.peerByID(t, "peer-bob").info().Sharing)
}

func TestTogglesSwapSenderTracks(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{withMic: true, withCamera: true})
	alice.orc.HandleJoin("peer-bob", "Bob")
	p := alice.peerByID(t, "peer-bob")

	camera := alice.mc.ActiveVideo()
	require.NotNil(t, camera)
	assert.Same(t, camera, webrtc.TrackLocal(p.videoSender.Track()), "leg seeded with the camera")
	require.NotNil(t, p.audioSender.Track())

	// Mute: audio sender goes silent, video untouched.
	alice.mc.ToggleMute()
	assert.Nil(t, p.audioSender.Track())
	assert.NotNil(t, p.videoSender.Track())

	// Camera off and on again.
	_, err := alice.mc.ToggleVideo()
	require.NoError(t, err)
	assert.Nil(t, p.videoSender.Track())
	_, err = alice.mc.ToggleVideo()
	require.NoError(t, err)
	assert.Same(t, camera, webrtc.TrackLocal(p.videoSender.Track()))

	// Screen share swaps the video source, stop swaps it back.
	_, err = alice.mc.ToggleScreenShare()
	require.NoError(t, err)
	scr := p.videoSender.Track()
	require.NotNil(t, scr)
	assert.NotSame(t, camera, webrtc.TrackLocal(scr))
	_, err = alice.mc.ToggleScreenShare()
	require.NoError(t, err)
	assert.Same(t, camera, webrtc.TrackLocal(p.videoSender.Track()))
}

func TestRacingTogglesConvergeOnCurrentSource(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{withMic: true, withCamera: true})
	alice.orc.HandleJoin("peer-bob", "Bob")
	p := alice.peerByID(t, "peer-bob")

	// Two goroutines hammer the same switch. Whatever the interleaving,
	// the last swap to run re-reads the controller, so the sender must
	// end up on the controller's current source, never a stale one.
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				alice.mc.ToggleMute()
				_, _ = alice.mc.ToggleVideo()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, alice.mc.EffectiveAudio(), webrtc.TrackLocal(p.audioSender.Track()))
	assert.Equal(t, alice.mc.ActiveVideo(), webrtc.TrackLocal(p.videoSender.Track()))
}

func TestNewPeerSeededWithCurrentToggles(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{withMic: true, withCamera: true})
	alice.mc.ToggleMute()

	alice.orc.HandleJoin("peer-bob", "Bob")
	p := alice.peerByID(t, "peer-bob")
	assert.Nil(t, p.audioSender.Track(), "muted mic must not be seeded")
	assert.NotNil(t, p.videoSender.Track())
}

func TestCloseAllIsIdempotent(t *testing.T) {
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := newTestMember(t, bus, "peer-alice", "Alice", &fakeOpener{})
	alice.orc.HandleJoin("peer-bob", "Bob")

	alice.orc.CloseAll()
	alice.orc.CloseAll()
	assert.Zero(t, alice.orc.PeerCount())

	// Signals after shutdown are ignored.
	alice.orc.HandleJoin("peer-carol", "Carol")
	assert.Zero(t, alice.orc.PeerCount())
}
