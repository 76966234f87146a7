package media

import (
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrack is a closable TrackLocal for exercising the controller
// without capture hardware.
type fakeTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	onEnded func(error)
	closed  bool
}

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

func (f *fakeTrack) OnEnded(h func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnded = h
}

func (f *fakeTrack) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTrack) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// end simulates the capture backend killing the track.
func (f *fakeTrack) end(err error) {
	f.mu.Lock()
	h := f.onEnded
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

type fakeOpener struct {
	t *testing.T

	failMic, failCamera, failScreen bool
	noBackend                       bool

	mu      sync.Mutex
	mics    []*fakeTrack
	screens []*fakeTrack
}

func (o *fakeOpener) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (o *fakeOpener) OpenMic() (Track, error) {
	if o.noBackend {
		return nil, ErrCaptureUnsupported
	}
	if o.failMic {
		return nil, errors.New("mic busy")
	}
	mic := newFakeTrack(o.t, "audio")
	o.mu.Lock()
	o.mics = append(o.mics, mic)
	o.mu.Unlock()
	return mic, nil
}

func (o *fakeOpener) OpenCamera() (Track, error) {
	if o.failCamera {
		return nil, errors.New("no camera")
	}
	return newFakeTrack(o.t, "video"), nil
}

func (o *fakeOpener) OpenScreen() (Track, error) {
	if o.failScreen {
		return nil, errors.New("grab denied")
	}
	scr := newFakeTrack(o.t, "video")
	o.mu.Lock()
	o.screens = append(o.screens, scr)
	o.mu.Unlock()
	return scr, nil
}

func (o *fakeOpener) lastScreen() *fakeTrack {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.screens) == 0 {
		return nil
	}
	return o.screens[len(o.screens)-1]
}

func (o *fakeOpener) lastMic() *fakeTrack {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.mics) == 0 {
		return nil
	}
	return o.mics[len(o.mics)-1]
}

func newTestController(t *testing.T, opener *fakeOpener, wantVideo bool) *Controller {
	t.Helper()
	opener.t = t
	c := NewController(opener)
	require.NoError(t, c.Acquire(wantVideo))
	t.Cleanup(c.Close)
	return c
}

func TestAcquireFailsOnMicDenial(t *testing.T) {
	opener := &fakeOpener{t: t, failMic: true}
	c := NewController(opener)
	t.Cleanup(c.Close)

	require.Error(t, c.Acquire(true))
	assert.Nil(t, c.EffectiveAudio())
	assert.Nil(t, c.ActiveVideo())
	assert.False(t, c.HasVideo())
}

func TestAcquireReleasesMicWhenCameraDenied(t *testing.T) {
	opener := &fakeOpener{t: t, failCamera: true}
	c := NewController(opener)
	t.Cleanup(c.Close)

	require.Error(t, c.Acquire(true))
	mic := opener.lastMic()
	require.NotNil(t, mic)
	assert.True(t, mic.isClosed(), "mic captured before the camera failure must be released")
	assert.Nil(t, c.EffectiveAudio())
}

func TestAcquireWithoutBackendIsReceiveOnly(t *testing.T) {
	c := NewController(&fakeOpener{t: t, noBackend: true})
	t.Cleanup(c.Close)

	require.NoError(t, c.Acquire(true))
	assert.Nil(t, c.EffectiveAudio())
	assert.Nil(t, c.ActiveVideo())
	assert.False(t, c.HasVideo())
}

func TestReleaseAllowsReacquire(t *testing.T) {
	opener := &fakeOpener{t: t}
	c := NewController(opener)
	t.Cleanup(c.Close)

	require.NoError(t, c.Acquire(false))
	c.ToggleMute()
	first := opener.lastMic()

	c.Release()
	assert.True(t, first.isClosed())
	assert.Nil(t, c.EffectiveAudio())

	require.NoError(t, c.Acquire(false))
	assert.NotNil(t, c.EffectiveAudio(), "release must reset the mute flag")
	assert.NotSame(t, first, opener.lastMic())
}

func TestToggleMute(t *testing.T) {
	var gotAudio []webrtc.TrackLocal
	c := newTestController(t, &fakeOpener{}, false)
	c.OnAudioChange = func(tr webrtc.TrackLocal) { gotAudio = append(gotAudio, tr) }

	require.NotNil(t, c.EffectiveAudio())

	require.True(t, c.ToggleMute())
	assert.Nil(t, c.EffectiveAudio(), "muted mic must not be offered")

	require.False(t, c.ToggleMute())
	assert.NotNil(t, c.EffectiveAudio())

	require.Len(t, gotAudio, 2)
	assert.Nil(t, gotAudio[0])
	assert.NotNil(t, gotAudio[1])
}

func TestToggleVideoWithoutCamera(t *testing.T) {
	c := newTestController(t, &fakeOpener{}, false)

	_, err := c.ToggleVideo()
	require.ErrorIs(t, err, ErrNoVideoTrack)
	assert.Nil(t, c.ActiveVideo())
}

func TestToggleVideo(t *testing.T) {
	var gotVideo []webrtc.TrackLocal
	c := newTestController(t, &fakeOpener{}, true)
	c.OnVideoChange = func(tr webrtc.TrackLocal) { gotVideo = append(gotVideo, tr) }

	enabled, err := c.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Nil(t, c.ActiveVideo())

	enabled, err = c.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.NotNil(t, c.ActiveVideo())

	require.Len(t, gotVideo, 2)
	assert.Nil(t, gotVideo[0])
	assert.NotNil(t, gotVideo[1])
}

func TestScreenShareSwapsAndReverts(t *testing.T) {
	opener := &fakeOpener{}
	c := newTestController(t, opener, true)

	var states []bool
	c.OnScreenState = func(s bool) { states = append(states, s) }

	camera := c.ActiveVideo()
	require.NotNil(t, camera)

	sharing, err := c.ToggleScreenShare()
	require.NoError(t, err)
	require.True(t, sharing)
	scr := opener.lastScreen()
	require.NotNil(t, scr)
	assert.Same(t, Track(scr), c.ActiveVideo(), "screen must replace camera as video source")

	sharing, err = c.ToggleScreenShare()
	require.NoError(t, err)
	require.False(t, sharing)
	assert.Same(t, camera, c.ActiveVideo(), "camera restored after share stops")
	assert.True(t, scr.isClosed(), "stopped screen track must be closed")
	assert.Equal(t, []bool{true, false}, states)
}

func TestScreenShareFailureLeavesStateUntouched(t *testing.T) {
	c := newTestController(t, &fakeOpener{failScreen: true}, true)

	_, err := c.ToggleScreenShare()
	require.Error(t, err)
	assert.False(t, c.Sharing())
	assert.NotNil(t, c.ActiveVideo())
}

func TestScreenDeathRevertsAutomatically(t *testing.T) {
	opener := &fakeOpener{}
	c := newTestController(t, opener, true)

	var states []bool
	c.OnScreenState = func(s bool) { states = append(states, s) }

	_, err := c.ToggleScreenShare()
	require.NoError(t, err)
	scr := opener.lastScreen()

	scr.end(errors.New("display server revoked grab"))

	assert.False(t, c.Sharing())
	assert.NotNil(t, c.ActiveVideo(), "camera restored after screen dies")
	assert.Equal(t, []bool{true, false}, states)

	// A stale death callback from the already-stopped track is a no-op.
	scr.end(nil)
	assert.Equal(t, []bool{true, false}, states)
}

func TestSnapshotIsCoherent(t *testing.T) {
	opener := &fakeOpener{}
	c := newTestController(t, opener, true)

	_, err := c.ToggleScreenShare()
	require.NoError(t, err)
	c.ToggleMute()

	audio, video, sharing := c.Snapshot()
	assert.Nil(t, audio)
	assert.True(t, sharing)
	assert.Same(t, Track(opener.lastScreen()), video)
}

func TestCloseReleasesEverything(t *testing.T) {
	opener := &fakeOpener{t: t}
	c := NewController(opener)
	require.NoError(t, c.Acquire(true))

	_, err := c.ToggleScreenShare()
	require.NoError(t, err)
	scr := opener.lastScreen()

	c.Close()
	c.Close() // idempotent

	assert.True(t, scr.isClosed())
	assert.Nil(t, c.ActiveVideo())
	assert.Nil(t, c.EffectiveAudio())
}
