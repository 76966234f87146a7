// Package media owns the local capture devices and the mute / camera /
// screen-share switches. It never talks to peer connections directly:
// internal/mesh reads the effective sources from here and pushes them to
// senders via ReplaceTrack, so toggles never trigger renegotiation.
package media

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrNoVideoTrack is returned by ToggleVideo when no camera was captured.
	ErrNoVideoTrack = errors.New("media: no local video track")

	// ErrCaptureUnsupported is returned by device openers on platforms
	// without a capture backend.
	ErrCaptureUnsupported = errors.New("media: capture not supported on this platform")
)

// Track is a local capture track: sendable over a peer connection,
// closable, and able to report asynchronous death of its device.
type Track interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// DeviceOpener abstracts the capture backend so the controller (and its
// tests) do not depend on real hardware. Openers return one track per
// call; a missing or busy device is an error, not a nil track.
type DeviceOpener interface {
	// Populate registers the opener's codecs on a media engine. Peer
	// connections must be built from an engine populated here or the
	// captured tracks will not bind.
	Populate(me *webrtc.MediaEngine) error

	OpenMic() (Track, error)
	OpenCamera() (Track, error)
	OpenScreen() (Track, error)
}

// CaptureOptions tunes the platform capture backend. Zero values fall
// back to the built-in defaults.
type CaptureOptions struct {
	MaxWidth  int // camera width cap in pixels, default 640
	MaxHeight int // camera height cap in pixels, default 480
}

// NewAPI builds the webrtc API all room peer connections share: the
// opener's codecs, the default interceptor set, and generous ICE timeouts
// so a brief NAT or relay hiccup does not immediately drop a peer.
func NewAPI(opener DeviceOpener) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := opener.Populate(me); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// Controller holds the captured tracks and the three local switches.
// All state transitions happen under one mutex, so a reader observing
// the controller mid-toggle still gets a coherent (audio, video, sharing)
// triple — that is what keeps late-joiner seeding atomic.
type Controller struct {
	// Change hooks, set before Acquire. Called after the state settles,
	// outside the controller lock. A nil track means "send nothing";
	// consumers should re-read the current sources rather than trust a
	// possibly stale argument.
	OnAudioChange func(t webrtc.TrackLocal)
	OnVideoChange func(t webrtc.TrackLocal)
	OnScreenState func(sharing bool)

	opener DeviceOpener

	mu       sync.Mutex
	mic      Track
	camera   Track
	screen   Track
	muted    bool
	videoOff bool
	sharing  bool
	closed   bool
}

// NewController wraps a device opener. Call Acquire on room entry to
// capture devices.
func NewController(opener DeviceOpener) *Controller {
	return &Controller{opener: opener}
}

// Acquire captures the microphone and, when wantVideo is set, the camera.
// A denied or missing device is an error, and anything captured before
// the failure is released again — the caller must not enter a room on a
// failed acquisition. On platforms without a capture backend the
// controller stays empty and the call succeeds receive-only.
//
// One acquisition is live at a time; Release before acquiring again.
func (c *Controller) Acquire(wantVideo bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("media: controller closed")
	}

	mic, err := c.opener.OpenMic()
	if errors.Is(err, ErrCaptureUnsupported) {
		log.Printf("MEDIA: no capture backend, continuing receive-only")
		return nil
	}
	if err != nil {
		return fmt.Errorf("media: microphone: %w", err)
	}
	c.mic = mic

	if wantVideo {
		cam, err := c.opener.OpenCamera()
		if err != nil {
			_ = mic.Close()
			c.mic = nil
			return fmt.Errorf("media: camera: %w", err)
		}
		c.camera = cam
	}

	c.muted, c.videoOff = false, false
	log.Printf("MEDIA: capture ready (mic=%v camera=%v)", c.mic != nil, c.camera != nil)
	return nil
}

// Release closes every capture track and resets the switches, so the
// next room entry acquires fresh devices. The controller stays usable,
// unlike Close.
func (c *Controller) Release() {
	c.mu.Lock()
	c.releaseLocked()
	c.mu.Unlock()
	log.Printf("MEDIA: capture released")
}

// ── Switches ──────────────────────────────────────────────────────────────────

// ToggleMute flips the mute flag and reports the new state. The mic track
// keeps running; muting only stops it from being offered to peers.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	audio := c.effectiveAudioLocked()
	c.mu.Unlock()

	log.Printf("MEDIA: mute=%v", muted)
	if c.OnAudioChange != nil {
		c.OnAudioChange(audio)
	}
	return muted
}

// ToggleVideo flips the camera-off flag. Fails with ErrNoVideoTrack when
// no camera was captured. While a screen share is active the flag still
// flips, but the outgoing video stays the screen track.
func (c *Controller) ToggleVideo() (enabled bool, err error) {
	c.mu.Lock()
	if c.camera == nil {
		c.mu.Unlock()
		return false, ErrNoVideoTrack
	}
	c.videoOff = !c.videoOff
	enabled = !c.videoOff
	video := c.activeVideoLocked()
	sharing := c.sharing
	c.mu.Unlock()

	log.Printf("MEDIA: camera enabled=%v", enabled)
	if !sharing && c.OnVideoChange != nil {
		c.OnVideoChange(video)
	}
	return enabled, nil
}

// ToggleScreenShare starts or stops screen capture. Starting swaps the
// outgoing video source to the screen track; stopping closes it and
// reverts to the camera (respecting the camera-off flag).
func (c *Controller) ToggleScreenShare() (sharing bool, err error) {
	c.mu.Lock()
	if c.sharing {
		c.stopScreenLocked()
	} else {
		scr, oerr := c.opener.OpenScreen()
		if oerr != nil {
			c.mu.Unlock()
			return false, oerr
		}
		c.screen = scr
		c.sharing = true
		scr.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: screen capture ended: %v", err)
			}
			c.screenDied(scr)
		})
	}
	sharing = c.sharing
	video := c.activeVideoLocked()
	c.mu.Unlock()

	log.Printf("MEDIA: screen share=%v", sharing)
	if c.OnVideoChange != nil {
		c.OnVideoChange(video)
	}
	if c.OnScreenState != nil {
		c.OnScreenState(sharing)
	}
	return sharing, nil
}

// screenDied handles the capture backend killing the screen track out from
// under us (display server revoked the grab, window closed). Reverts to
// camera and announces the state change exactly like a manual stop.
func (c *Controller) screenDied(scr Track) {
	c.mu.Lock()
	if !c.sharing || c.screen != scr {
		c.mu.Unlock() // stale callback from an already-replaced track
		return
	}
	c.stopScreenLocked()
	video := c.activeVideoLocked()
	c.mu.Unlock()

	log.Printf("MEDIA: screen share stopped by capture backend")
	if c.OnVideoChange != nil {
		c.OnVideoChange(video)
	}
	if c.OnScreenState != nil {
		c.OnScreenState(false)
	}
}

func (c *Controller) stopScreenLocked() {
	if c.screen != nil {
		_ = c.screen.Close()
		c.screen = nil
	}
	c.sharing = false
}

// ── Source queries ────────────────────────────────────────────────────────────

// EffectiveAudio returns the track peers should receive for audio:
// the mic, or nil when muted or no mic was captured.
func (c *Controller) EffectiveAudio() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveAudioLocked()
}

// ActiveVideo returns the track peers should receive for video:
// the screen while sharing, else the camera unless disabled, else nil.
func (c *Controller) ActiveVideo() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeVideoLocked()
}

// Snapshot returns the full (audio, video, sharing) triple atomically,
// for seeding a newly created peer connection.
func (c *Controller) Snapshot() (audio, video webrtc.TrackLocal, sharing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveAudioLocked(), c.activeVideoLocked(), c.sharing
}

func (c *Controller) effectiveAudioLocked() webrtc.TrackLocal {
	if c.muted || c.mic == nil {
		return nil
	}
	return c.mic
}

func (c *Controller) activeVideoLocked() webrtc.TrackLocal {
	if c.sharing && c.screen != nil {
		return c.screen
	}
	if c.videoOff || c.camera == nil {
		return nil
	}
	return c.camera
}

// Muted reports the mute flag.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Sharing reports whether a screen share is active.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// HasVideo reports whether a camera track was captured.
func (c *Controller) HasVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera != nil
}

func (c *Controller) releaseLocked() {
	for _, t := range []Track{c.mic, c.camera, c.screen} {
		if t != nil {
			_ = t.Close()
		}
	}
	c.mic, c.camera, c.screen = nil, nil, nil
	c.muted, c.videoOff, c.sharing = false, false, false
}

// Close releases every capture track and retires the controller.
// Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.releaseLocked()
	log.Printf("MEDIA: capture closed")
}
