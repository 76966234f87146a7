//go:build !linux || !cgo

package media

import "github.com/pion/webrtc/v4"

// noCaptureOpener is the non-Linux backend: no local capture, calls run
// receive-only. Peer connections still need a populated media engine, so
// Populate registers the stock codec set.
type noCaptureOpener struct{}

// NewDeviceOpener builds the platform capture backend.
func NewDeviceOpener(CaptureOptions) (DeviceOpener, error) {
	return noCaptureOpener{}, nil
}

func (noCaptureOpener) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (noCaptureOpener) OpenMic() (Track, error)    { return nil, ErrCaptureUnsupported }
func (noCaptureOpener) OpenCamera() (Track, error) { return nil, ErrCaptureUnsupported }
func (noCaptureOpener) OpenScreen() (Track, error) { return nil, ErrCaptureUnsupported }
